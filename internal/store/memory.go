package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and debug runs. It mirrors the
// Postgres semantics, including the status-transition and claim guards.
type Memory struct {
	mu sync.Mutex

	rooms      map[int64]*Room
	messages   []Message
	batches    map[int64]*ModerationBatch
	moderation map[string]*UserModerationStatus // "room:user"
	contexts   map[int64]*RoomContext
	notes      []RoomNote
	daily      map[string]*DailySummary // "room:day"
	workflows  map[int64]*WorkflowRecord
	execs      map[int64]*Execution
	deferred   map[int64]*DeferredExecution

	nextRoom, nextMsg, nextBatch, nextNote, nextWF, nextExec, nextDef int64

	// Now is overridable in tests.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:      make(map[int64]*Room),
		batches:    make(map[int64]*ModerationBatch),
		moderation: make(map[string]*UserModerationStatus),
		contexts:   make(map[int64]*RoomContext),
		daily:      make(map[string]*DailySummary),
		workflows:  make(map[int64]*WorkflowRecord),
		execs:      make(map[int64]*Execution),
		deferred:   make(map[int64]*DeferredExecution),
		Now:        time.Now,
	}
}

func modKey(roomID int64, user string) string { return fmt.Sprintf("%d:%s", roomID, user) }

func (m *Memory) GetRoom(_ context.Context, roomID int64) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *room
	cp.Members = append([]string(nil), room.Members...)
	return &cp, nil
}

func (m *Memory) CreateRoom(_ context.Context, name string, members []string, sealedKey string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRoom++
	uniq := make([]string, 0, len(members))
	seen := map[string]bool{}
	for _, u := range members {
		if !seen[u] {
			seen[u] = true
			uniq = append(uniq, u)
		}
	}
	room := &Room{ID: m.nextRoom, Name: name, Members: uniq, SealedKey: sealedKey, KeyVersion: 1, CreatedAt: m.Now()}
	m.rooms[room.ID] = room
	cp := *room
	return &cp, nil
}

func (m *Memory) IsMember(_ context.Context, roomID int64, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	for _, u := range room.Members {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RotateRoomKey(_ context.Context, roomID int64, sealedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.SealedKey = sealedKey
	room.KeyVersion++
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsg++
	out := *msg
	out.ID = m.nextMsg
	out.CreatedAt = m.Now()
	m.messages = append(m.messages, out)
	cp := out
	return &cp, nil
}

func (m *Memory) GetMessage(_ context.Context, id int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			cp := m.messages[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) PageMessages(_ context.Context, roomID int64, beforeID int64, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var newestFirst []Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if msg.RoomID != roomID {
			continue
		}
		if beforeID > 0 && msg.ID >= beforeID {
			continue
		}
		newestFirst = append(newestFirst, msg)
		if len(newestFirst) == limit+1 {
			break
		}
	}
	return buildPage(newestFirst, limit), nil
}

func (m *Memory) RecentMessages(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	page, err := m.PageMessages(ctx, roomID, 0, limit)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (m *Memory) CreateModerationBatch(_ context.Context, roomID int64, messageIDs []int64) (*ModerationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatch++
	batch := &ModerationBatch{
		ID:         m.nextBatch,
		RoomID:     roomID,
		MessageIDs: append([]int64(nil), messageIDs...),
		Status:     BatchPending,
		CreatedAt:  m.Now(),
	}
	m.batches[batch.ID] = batch
	cp := *batch
	return &cp, nil
}

func (m *Memory) FinishModerationBatch(_ context.Context, batchID int64, flagged int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	now := m.Now()
	batch.Status = BatchProcessed
	batch.FlaggedCount = flagged
	batch.ProcessedAt = &now
	return nil
}

func (m *Memory) ModerationStatus(_ context.Context, roomID int64, user string) (*UserModerationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.moderation[modKey(roomID, user)]; ok {
		cp := *st
		return &cp, nil
	}
	return &UserModerationStatus{User: user, RoomID: roomID}, nil
}

func (m *Memory) AddFlags(_ context.Context, roomID int64, user string, n, muteThreshold int) (*UserModerationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := modKey(roomID, user)
	st, ok := m.moderation[key]
	if !ok {
		st = &UserModerationStatus{User: user, RoomID: roomID}
		m.moderation[key] = st
	}
	st.FlagCount += n
	if st.FlagCount >= muteThreshold {
		st.IsMuted = true
	}
	cp := *st
	return &cp, nil
}

func (m *Memory) GetRoomContext(_ context.Context, roomID int64) (*RoomContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rc, ok := m.contexts[roomID]; ok {
		cp := *rc
		cp.ActiveTopics = append([]string(nil), rc.ActiveTopics...)
		return &cp, nil
	}
	return &RoomContext{RoomID: roomID}, nil
}

func (m *Memory) SaveRoomContext(_ context.Context, rc *RoomContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rc
	cp.ActiveTopics = append([]string(nil), rc.ActiveTopics...)
	m.contexts[rc.RoomID] = &cp
	return nil
}

func (m *Memory) BumpContextCounter(_ context.Context, roomID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.contexts[roomID]
	if !ok {
		rc = &RoomContext{RoomID: roomID}
		m.contexts[roomID] = rc
	}
	rc.MessagesSinceComp++
	return nil
}

func (m *Memory) InsertNote(_ context.Context, note *RoomNote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.Now().Add(-7 * 24 * time.Hour)
	for i := range m.notes {
		existing := &m.notes[i]
		if existing.RoomID == note.RoomID && existing.Type == note.Type &&
			existing.Content == note.Content && existing.CreatedAt.After(cutoff) {
			return false, nil
		}
	}
	m.nextNote++
	note.ID = m.nextNote
	note.CreatedAt = m.Now()
	m.notes = append(m.notes, *note)
	return true, nil
}

func (m *Memory) NotesSince(_ context.Context, roomID int64, since time.Time) ([]RoomNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoomNote
	for _, n := range m.notes {
		if n.RoomID == roomID && n.CreatedAt.After(since) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpsertDailySummary(_ context.Context, ds *DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d:%s", ds.RoomID, ds.Date)
	if existing, ok := m.daily[key]; ok {
		existing.Summary = ds.Summary
		existing.MessageCount += ds.MessageCount
		existing.NoteCount += ds.NoteCount
		existing.UpdatedAt = m.Now()
		return nil
	}
	cp := *ds
	cp.UpdatedAt = m.Now()
	m.daily[key] = &cp
	return nil
}

// DailySummaryFor exposes the stored daily summary for test assertions.
func (m *Memory) DailySummaryFor(roomID int64, day string) *DailySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.daily[fmt.Sprintf("%d:%s", roomID, day)]; ok {
		cp := *ds
		return &cp
	}
	return nil
}

func (m *Memory) SaveWorkflow(_ context.Context, wf *WorkflowRecord) (*WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWF++
	out := *wf
	out.ID = m.nextWF
	out.CreatedAt = m.Now()
	m.workflows[out.ID] = &out
	cp := out
	return &cp, nil
}

func (m *Memory) GetWorkflow(_ context.Context, id int64) (*WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkflowRecord, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, *wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateExecution(_ context.Context, exec *Execution) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextExec++
	out := *exec
	out.ID = m.nextExec
	if out.Status == "" {
		out.Status = ExecPending
	}
	out.StartedAt = m.Now()
	m.execs[out.ID] = &out
	cp := out
	return &cp, nil
}

func (m *Memory) GetExecution(_ context.Context, id int64) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (m *Memory) GetExecutionByRunID(_ context.Context, runID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exec := range m.execs {
		if exec.ExternalRunID == runID {
			cp := *exec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TransitionExecution(_ context.Context, id int64, status ExecStatus, resultContext, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return ErrNotFound
	}
	if isTerminal(exec.Status) {
		return fmt.Errorf("execution %d already %s", id, exec.Status)
	}
	exec.Status = status
	if resultContext != "" {
		exec.ResultContext = resultContext
	}
	exec.ErrorMessage = errMsg
	if isTerminal(status) {
		now := m.Now()
		exec.CompletedAt = &now
	}
	return nil
}

func (m *Memory) HasActiveExecution(_ context.Context, workflowID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exec := range m.execs {
		if exec.WorkflowID != nil && *exec.WorkflowID == workflowID &&
			(exec.Status == ExecPending || exec.Status == ExecRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) EnqueueDeferred(_ context.Context, d *DeferredExecution) (*DeferredExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDef++
	out := *d
	out.ID = m.nextDef
	if out.Status == "" {
		out.Status = DeferredQueued
	}
	if out.NextAttemptAt.IsZero() {
		out.NextAttemptAt = m.Now()
	}
	out.CreatedAt = m.Now()
	m.deferred[out.ID] = &out
	cp := out
	return &cp, nil
}

func (m *Memory) ClaimDeferred(_ context.Context, now time.Time, limit int) ([]DeferredExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*DeferredExecution
	for _, d := range m.deferred {
		if d.Status == DeferredQueued && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]DeferredExecution, 0, len(due))
	for _, d := range due {
		d.Status = DeferredProcessing
		out = append(out, *d)
	}
	return out, nil
}

func (m *Memory) UpdateDeferred(_ context.Context, d *DeferredExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.deferred[d.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Attempts = d.Attempts
	existing.NextAttemptAt = d.NextAttemptAt
	existing.LastError = d.LastError
	existing.Status = d.Status
	existing.ExecutionID = d.ExecutionID
	return nil
}

// DeferredByID exposes a deferred item for test assertions.
func (m *Memory) DeferredByID(id int64) *DeferredExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deferred[id]; ok {
		cp := *d
		return &cp
	}
	return nil
}
