// Package store abstracts entity persistence for the chat core. The
// Postgres implementation is the production backend; an in-memory
// implementation backs tests and debug runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Room is a chat room. SealedKey is the room symmetric key encrypted under
// the process KEK; KeyVersion increments on rotation.
type Room struct {
	ID         int64
	Name       string
	Members    []string
	SealedKey  string
	KeyVersion int
	CreatedAt  time.Time
}

// Message is immutable once persisted. Content holds either an envelope
// JSON string or a legacy plaintext row.
type Message struct {
	ID                int64
	RoomID            int64
	Author            string
	ParentID          *int64
	Content           string
	AudioRef          string
	IsVoice           bool
	HasAssistantVoice bool
	CreatedAt         time.Time
}

// RoomContext is the running conversational context of a room.
type RoomContext struct {
	RoomID            int64
	Summary           string
	ActiveTopics      []string
	MessagesSinceComp int
	LastCompressedAt  time.Time
}

// NoteType enumerates room note categories.
type NoteType string

const (
	NoteDecision   NoteType = "decision"
	NoteActionItem NoteType = "action_item"
	NoteInsight    NoteType = "insight"
	NoteReminder   NoteType = "reminder"
	NoteReference  NoteType = "reference"
)

// ValidNoteType reports whether t is a known note type.
func ValidNoteType(t NoteType) bool {
	switch t {
	case NoteDecision, NoteActionItem, NoteInsight, NoteReminder, NoteReference:
		return true
	}
	return false
}

// NotePriority enumerates note priorities.
type NotePriority string

const (
	PriorityLow    NotePriority = "low"
	PriorityMedium NotePriority = "medium"
	PriorityHigh   NotePriority = "high"
)

// ValidNotePriority reports whether p is a known priority.
func ValidNotePriority(p NotePriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// RoomNote is a typed annotation extracted from conversation.
type RoomNote struct {
	ID          int64
	RoomID      int64
	Type        NoteType
	Content     string
	Priority    NotePriority
	SourceMsgID *int64
	Tags        []string
	CreatedBy   string // username or "ai"
	CreatedAt   time.Time
}

// DailySummary aggregates one day of room activity.
type DailySummary struct {
	RoomID       int64
	Date         string // YYYY-MM-DD
	Summary      string
	MessageCount int
	NoteCount    int
	UpdatedAt    time.Time
}

// BatchStatus enumerates moderation batch states.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchProcessed  BatchStatus = "processed"
)

// ModerationBatch bundles message ids drained from a room's buffer.
type ModerationBatch struct {
	ID           int64
	RoomID       int64
	MessageIDs   []int64
	Status       BatchStatus
	FlaggedCount int
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// UserModerationStatus is the per-(user, room) flag record. IsMuted latches
// once FlagCount crosses the configured threshold.
type UserModerationStatus struct {
	User      string
	RoomID    int64
	FlagCount int
	IsMuted   bool
}

// ExecStatus enumerates workflow execution states.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// WorkflowRecord is a persisted workflow definition owned by a user.
type WorkflowRecord struct {
	ID         int64
	Owner      string
	Name       string
	Definition string // JSON of workflow.Definition
	CreatedAt  time.Time
}

// Execution is one run of a workflow.
type Execution struct {
	ID            int64
	WorkflowID    *int64
	ExternalRunID string
	TriggerType   string
	TriggerData   string // JSON
	Status        ExecStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	ResultContext string // compacted JSON
	ErrorMessage  string
}

// DeferredStatus enumerates deferred-queue item states.
type DeferredStatus string

const (
	DeferredQueued     DeferredStatus = "queued"
	DeferredProcessing DeferredStatus = "processing"
	DeferredStarted    DeferredStatus = "started"
	DeferredFailed     DeferredStatus = "failed"
	DeferredAbandoned  DeferredStatus = "abandoned"
)

// DeferredExecution is a workflow start waiting for the runtime to recover.
type DeferredExecution struct {
	ID            int64
	Owner         string
	RoomID        int64
	Definition    string // JSON
	TriggerData   string // JSON
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        DeferredStatus
	ExecutionID   *int64
	CreatedAt     time.Time
}

// MessagePage is the result of cursor pagination: messages oldest-first,
// a has-more flag and the id to use as the next cursor.
type MessagePage struct {
	Messages []Message
	HasMore  bool
	OldestID int64
}

// Store is the persistence contract of the chat core.
type Store interface {
	// Rooms and membership.
	GetRoom(ctx context.Context, roomID int64) (*Room, error)
	CreateRoom(ctx context.Context, name string, members []string, sealedKey string) (*Room, error)
	IsMember(ctx context.Context, roomID int64, user string) (bool, error)
	RotateRoomKey(ctx context.Context, roomID int64, sealedKey string) error

	// Messages. AppendMessage persists the message and touches the room in
	// one transaction; the returned message carries the assigned id.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// PageMessages returns up to limit messages with id < beforeID
	// (beforeID 0 means newest), oldest-first among the returned page.
	PageMessages(ctx context.Context, roomID int64, beforeID int64, limit int) (*MessagePage, error)
	RecentMessages(ctx context.Context, roomID int64, limit int) ([]Message, error)

	// Moderation.
	CreateModerationBatch(ctx context.Context, roomID int64, messageIDs []int64) (*ModerationBatch, error)
	FinishModerationBatch(ctx context.Context, batchID int64, flagged int) error
	ModerationStatus(ctx context.Context, roomID int64, user string) (*UserModerationStatus, error)
	// AddFlags increments the flag count and latches the mute when it
	// crosses the threshold. Returns the updated record.
	AddFlags(ctx context.Context, roomID int64, user string, n, muteThreshold int) (*UserModerationStatus, error)

	// Room context.
	GetRoomContext(ctx context.Context, roomID int64) (*RoomContext, error)
	SaveRoomContext(ctx context.Context, rc *RoomContext) error
	BumpContextCounter(ctx context.Context, roomID int64) error
	InsertNote(ctx context.Context, note *RoomNote) (bool, error) // false if duplicate within 7 days
	NotesSince(ctx context.Context, roomID int64, since time.Time) ([]RoomNote, error)
	UpsertDailySummary(ctx context.Context, ds *DailySummary) error

	// Workflows.
	SaveWorkflow(ctx context.Context, wf *WorkflowRecord) (*WorkflowRecord, error)
	GetWorkflow(ctx context.Context, id int64) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]WorkflowRecord, error)
	CreateExecution(ctx context.Context, exec *Execution) (*Execution, error)
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	GetExecutionByRunID(ctx context.Context, runID string) (*Execution, error)
	// TransitionExecution atomically moves an execution to a new status and
	// writes the result context, guarded by row-level locking.
	TransitionExecution(ctx context.Context, id int64, status ExecStatus, resultContext, errMsg string) error
	// HasActiveExecution reports whether a run of the workflow is pending
	// or running (schedule overlap check).
	HasActiveExecution(ctx context.Context, workflowID int64) (bool, error)

	// Deferred queue.
	EnqueueDeferred(ctx context.Context, d *DeferredExecution) (*DeferredExecution, error)
	// ClaimDeferred atomically transitions up to limit queued items whose
	// next_attempt_at <= now into processing and returns them.
	ClaimDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredExecution, error)
	UpdateDeferred(ctx context.Context, d *DeferredExecution) error
}
