package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Postgres implements Store over database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects, verifies connectivity and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	slog.Info("Postgres connected")
	return &Postgres{db: db}, nil
}

// Close shuts down the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity (health checks).
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL,
	sealed_key   TEXT NOT NULL,
	key_version  INT NOT NULL DEFAULT 1,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id   BIGINT NOT NULL REFERENCES rooms(id),
	username  TEXT NOT NULL,
	last_seen TIMESTAMPTZ,
	PRIMARY KEY (room_id, username)
);
CREATE TABLE IF NOT EXISTS messages (
	id                  BIGSERIAL PRIMARY KEY,
	room_id             BIGINT NOT NULL REFERENCES rooms(id),
	author              TEXT NOT NULL,
	parent_id           BIGINT,
	content             TEXT NOT NULL,
	audio_ref           TEXT NOT NULL DEFAULT '',
	is_voice            BOOLEAN NOT NULL DEFAULT false,
	has_assistant_voice BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id DESC);
CREATE TABLE IF NOT EXISTS moderation_batches (
	id            BIGSERIAL PRIMARY KEY,
	room_id       BIGINT NOT NULL,
	message_ids   BIGINT[] NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	flagged_count INT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS user_moderation (
	username   TEXT NOT NULL,
	room_id    BIGINT NOT NULL,
	flag_count INT NOT NULL DEFAULT 0,
	is_muted   BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (username, room_id)
);
CREATE TABLE IF NOT EXISTS room_contexts (
	room_id            BIGINT PRIMARY KEY,
	summary            TEXT NOT NULL DEFAULT '',
	active_topics      TEXT[] NOT NULL DEFAULT '{}',
	messages_since     INT NOT NULL DEFAULT 0,
	last_compressed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS room_notes (
	id            BIGSERIAL PRIMARY KEY,
	room_id       BIGINT NOT NULL,
	note_type     TEXT NOT NULL,
	content       TEXT NOT NULL,
	priority      TEXT NOT NULL,
	source_msg_id BIGINT,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	created_by    TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS daily_summaries (
	room_id       BIGINT NOT NULL,
	day           TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	message_count INT NOT NULL DEFAULT 0,
	note_count    INT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, day)
);
CREATE TABLE IF NOT EXISTS workflows (
	id         BIGSERIAL PRIMARY KEY,
	owner      TEXT NOT NULL,
	name       TEXT NOT NULL,
	definition TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS workflow_executions (
	id              BIGSERIAL PRIMARY KEY,
	workflow_id     BIGINT,
	external_run_id TEXT NOT NULL UNIQUE,
	trigger_type    TEXT NOT NULL,
	trigger_data    TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	result_context  TEXT NOT NULL DEFAULT '{}',
	error_message   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS deferred_executions (
	id              BIGSERIAL PRIMARY KEY,
	owner           TEXT NOT NULL,
	room_id         BIGINT NOT NULL DEFAULT 0,
	definition      TEXT NOT NULL,
	trigger_data    TEXT NOT NULL DEFAULT '{}',
	attempts        INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	execution_id    BIGINT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_deferred_due ON deferred_executions(status, next_attempt_at);
`

// ============================================================================
// ROOMS
// ============================================================================

func (p *Postgres) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	room := &Room{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, sealed_key, key_version, created_at FROM rooms WHERE id = $1`,
		roomID).Scan(&room.ID, &room.Name, &room.SealedKey, &room.KeyVersion, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %d: %w", roomID, err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT username FROM room_members WHERE room_id = $1 ORDER BY username`, roomID)
	if err != nil {
		return nil, fmt.Errorf("room members %d: %w", roomID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		room.Members = append(room.Members, u)
	}
	return room, rows.Err()
}

func (p *Postgres) CreateRoom(ctx context.Context, name string, members []string, sealedKey string) (*Room, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	room := &Room{Name: name, Members: members, SealedKey: sealedKey, KeyVersion: 1}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (name, sealed_key) VALUES ($1, $2) RETURNING id, created_at`,
		name, sealedKey).Scan(&room.ID, &room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	for _, m := range members {
		// Membership is a set: a member id appears at most once per room.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, username) VALUES ($1, $2)
			 ON CONFLICT (room_id, username) DO NOTHING`, room.ID, m); err != nil {
			return nil, fmt.Errorf("insert member %s: %w", m, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return room, nil
}

func (p *Postgres) IsMember(ctx context.Context, roomID int64, user string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = $1 AND username = $2`,
		roomID, user).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// RotateRoomKey writes the new sealed key and bumps the version. Messages
// already persisted keep decrypting through the caller's old in-memory key
// until their backlog is re-encrypted out of band.
func (p *Postgres) RotateRoomKey(ctx context.Context, roomID int64, sealedKey string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rooms SET sealed_key = $1, key_version = key_version + 1 WHERE id = $2`,
		sealedKey, roomID)
	if err != nil {
		return fmt.Errorf("rotate key %d: %w", roomID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// MESSAGES
// ============================================================================

func (p *Postgres) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := *msg
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (room_id, author, parent_id, content, audio_ref, is_voice, has_assistant_voice)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		msg.RoomID, msg.Author, msg.ParentID, msg.Content, msg.AudioRef, msg.IsVoice, msg.HasAssistantVoice,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	// Appending touches the author's membership row in the same transaction.
	if _, err := tx.ExecContext(ctx,
		`UPDATE room_members SET last_seen = now() WHERE room_id = $1 AND username = $2`,
		msg.RoomID, msg.Author); err != nil {
		return nil, fmt.Errorf("touch member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id int64) (*Message, error) {
	msg := &Message{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, room_id, author, parent_id, content, audio_ref, is_voice, has_assistant_voice, created_at
		 FROM messages WHERE id = $1`, id).
		Scan(&msg.ID, &msg.RoomID, &msg.Author, &msg.ParentID, &msg.Content,
			&msg.AudioRef, &msg.IsVoice, &msg.HasAssistantVoice, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (p *Postgres) PageMessages(ctx context.Context, roomID int64, beforeID int64, limit int) (*MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	// Fetch limit+1 newest rows below the cursor to learn has_more.
	query := `SELECT id, room_id, author, parent_id, content, audio_ref, is_voice, has_assistant_voice, created_at
		FROM messages WHERE room_id = $1`
	args := []interface{}{roomID}
	if beforeID > 0 {
		query += ` AND id < $2`
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	defer rows.Close()

	var fetched []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Author, &msg.ParentID, &msg.Content,
			&msg.AudioRef, &msg.IsVoice, &msg.HasAssistantVoice, &msg.CreatedAt); err != nil {
			return nil, err
		}
		fetched = append(fetched, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buildPage(fetched, limit), nil
}

// buildPage trims the newest-first fetch to the page size and reverses it
// oldest-first. Shared with the memory store so pagination semantics stay
// identical.
func buildPage(newestFirst []Message, limit int) *MessagePage {
	page := &MessagePage{HasMore: len(newestFirst) > limit}
	if page.HasMore {
		newestFirst = newestFirst[:limit]
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, newestFirst[i])
	}
	if len(page.Messages) > 0 {
		page.OldestID = page.Messages[0].ID
	}
	return page
}

func (p *Postgres) RecentMessages(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	page, err := p.PageMessages(ctx, roomID, 0, limit)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// ============================================================================
// MODERATION
// ============================================================================

func (p *Postgres) CreateModerationBatch(ctx context.Context, roomID int64, messageIDs []int64) (*ModerationBatch, error) {
	batch := &ModerationBatch{RoomID: roomID, MessageIDs: messageIDs, Status: BatchPending}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO moderation_batches (room_id, message_ids, status)
		 VALUES ($1, $2, 'pending') RETURNING id, created_at`,
		roomID, pq.Array(messageIDs)).Scan(&batch.ID, &batch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return batch, nil
}

func (p *Postgres) FinishModerationBatch(ctx context.Context, batchID int64, flagged int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE moderation_batches SET status = 'processed', flagged_count = $1, processed_at = now()
		 WHERE id = $2`, flagged, batchID)
	return err
}

func (p *Postgres) ModerationStatus(ctx context.Context, roomID int64, user string) (*UserModerationStatus, error) {
	st := &UserModerationStatus{User: user, RoomID: roomID}
	err := p.db.QueryRowContext(ctx,
		`SELECT flag_count, is_muted FROM user_moderation WHERE username = $1 AND room_id = $2`,
		user, roomID).Scan(&st.FlagCount, &st.IsMuted)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	return st, err
}

func (p *Postgres) AddFlags(ctx context.Context, roomID int64, user string, n, muteThreshold int) (*UserModerationStatus, error) {
	st := &UserModerationStatus{User: user, RoomID: roomID}
	// Muting latches: is_muted never flips back here.
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO user_moderation (username, room_id, flag_count, is_muted)
		 VALUES ($1, $2, $3, $3 >= $4)
		 ON CONFLICT (username, room_id) DO UPDATE
		 SET flag_count = user_moderation.flag_count + $3,
		     is_muted = user_moderation.is_muted OR (user_moderation.flag_count + $3 >= $4)
		 RETURNING flag_count, is_muted`,
		user, roomID, n, muteThreshold).Scan(&st.FlagCount, &st.IsMuted)
	if err != nil {
		return nil, fmt.Errorf("add flags: %w", err)
	}
	return st, nil
}

// ============================================================================
// ROOM CONTEXT
// ============================================================================

func (p *Postgres) GetRoomContext(ctx context.Context, roomID int64) (*RoomContext, error) {
	rc := &RoomContext{RoomID: roomID}
	var topics pq.StringArray
	err := p.db.QueryRowContext(ctx,
		`SELECT summary, active_topics, messages_since, last_compressed_at
		 FROM room_contexts WHERE room_id = $1`, roomID).
		Scan(&rc.Summary, &topics, &rc.MessagesSinceComp, &rc.LastCompressedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rc, nil
	}
	rc.ActiveTopics = topics
	return rc, err
}

func (p *Postgres) SaveRoomContext(ctx context.Context, rc *RoomContext) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO room_contexts (room_id, summary, active_topics, messages_since, last_compressed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (room_id) DO UPDATE
		 SET summary = $2, active_topics = $3, messages_since = $4, last_compressed_at = $5`,
		rc.RoomID, rc.Summary, pq.Array(rc.ActiveTopics), rc.MessagesSinceComp, rc.LastCompressedAt)
	return err
}

func (p *Postgres) BumpContextCounter(ctx context.Context, roomID int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO room_contexts (room_id, messages_since) VALUES ($1, 1)
		 ON CONFLICT (room_id) DO UPDATE SET messages_since = room_contexts.messages_since + 1`,
		roomID)
	return err
}

func (p *Postgres) InsertNote(ctx context.Context, note *RoomNote) (bool, error) {
	// Dedup: identical (content, type) within the last 7 days is skipped.
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_notes
		 WHERE room_id = $1 AND note_type = $2 AND content = $3 AND created_at > now() - interval '7 days'
		 LIMIT 1`, note.RoomID, note.Type, note.Content).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO room_notes (room_id, note_type, content, priority, source_msg_id, tags, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		note.RoomID, note.Type, note.Content, note.Priority, note.SourceMsgID,
		pq.Array(note.Tags), note.CreatedBy).Scan(&note.ID, &note.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert note: %w", err)
	}
	return true, nil
}

func (p *Postgres) NotesSince(ctx context.Context, roomID int64, since time.Time) ([]RoomNote, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, room_id, note_type, content, priority, source_msg_id, tags, created_by, created_at
		 FROM room_notes WHERE room_id = $1 AND created_at > $2 ORDER BY created_at DESC`,
		roomID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []RoomNote
	for rows.Next() {
		var n RoomNote
		var tags pq.StringArray
		if err := rows.Scan(&n.ID, &n.RoomID, &n.Type, &n.Content, &n.Priority,
			&n.SourceMsgID, &tags, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Tags = tags
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (p *Postgres) UpsertDailySummary(ctx context.Context, ds *DailySummary) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO daily_summaries (room_id, day, summary, message_count, note_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (room_id, day) DO UPDATE
		 SET summary = $3,
		     message_count = daily_summaries.message_count + $4,
		     note_count = daily_summaries.note_count + $5,
		     updated_at = now()`,
		ds.RoomID, ds.Date, ds.Summary, ds.MessageCount, ds.NoteCount)
	return err
}

// ============================================================================
// WORKFLOWS
// ============================================================================

func (p *Postgres) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) (*WorkflowRecord, error) {
	out := *wf
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO workflows (owner, name, definition) VALUES ($1, $2, $3) RETURNING id, created_at`,
		wf.Owner, wf.Name, wf.Definition).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	return &out, nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, id int64) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner, name, definition, created_at FROM workflows WHERE id = $1`, id).
		Scan(&wf.ID, &wf.Owner, &wf.Name, &wf.Definition, &wf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wf, err
}

func (p *Postgres) ListWorkflows(ctx context.Context) ([]WorkflowRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, name, definition, created_at FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkflowRecord
	for rows.Next() {
		var wf WorkflowRecord
		if err := rows.Scan(&wf.ID, &wf.Owner, &wf.Name, &wf.Definition, &wf.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateExecution(ctx context.Context, exec *Execution) (*Execution, error) {
	out := *exec
	if out.Status == "" {
		out.Status = ExecPending
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO workflow_executions (workflow_id, external_run_id, trigger_type, trigger_data, status, result_context)
		 VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6, ''), '{}')) RETURNING id, started_at`,
		exec.WorkflowID, exec.ExternalRunID, exec.TriggerType, exec.TriggerData, out.Status, exec.ResultContext).
		Scan(&out.ID, &out.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return &out, nil
}

func (p *Postgres) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	return p.scanExecution(p.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, external_run_id, trigger_type, trigger_data, status,
		        started_at, completed_at, result_context, error_message
		 FROM workflow_executions WHERE id = $1`, id))
}

func (p *Postgres) GetExecutionByRunID(ctx context.Context, runID string) (*Execution, error) {
	return p.scanExecution(p.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, external_run_id, trigger_type, trigger_data, status,
		        started_at, completed_at, result_context, error_message
		 FROM workflow_executions WHERE external_run_id = $1`, runID))
}

func (p *Postgres) scanExecution(row *sql.Row) (*Execution, error) {
	exec := &Execution{}
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.ExternalRunID, &exec.TriggerType,
		&exec.TriggerData, &exec.Status, &exec.StartedAt, &exec.CompletedAt,
		&exec.ResultContext, &exec.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return exec, err
}

func (p *Postgres) TransitionExecution(ctx context.Context, id int64, status ExecStatus, resultContext, errMsg string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Row lock serializes concurrent transitions on the same execution.
	var current ExecStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM workflow_executions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if isTerminal(current) {
		// At most one terminal status per run.
		return fmt.Errorf("execution %d already %s", id, current)
	}

	query := `UPDATE workflow_executions SET status = $1, result_context = COALESCE(NULLIF($2, ''), result_context), error_message = $3`
	if isTerminal(status) {
		query += `, completed_at = now()`
	}
	query += ` WHERE id = $4`
	if _, err := tx.ExecContext(ctx, query, status, resultContext, errMsg, id); err != nil {
		return fmt.Errorf("transition execution: %w", err)
	}
	return tx.Commit()
}

func isTerminal(s ExecStatus) bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

func (p *Postgres) HasActiveExecution(ctx context.Context, workflowID int64) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_executions
		 WHERE workflow_id = $1 AND status IN ('pending', 'running') LIMIT 1`,
		workflowID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ============================================================================
// DEFERRED QUEUE
// ============================================================================

func (p *Postgres) EnqueueDeferred(ctx context.Context, d *DeferredExecution) (*DeferredExecution, error) {
	out := *d
	if out.Status == "" {
		out.Status = DeferredQueued
	}
	if out.NextAttemptAt.IsZero() {
		out.NextAttemptAt = time.Now()
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO deferred_executions (owner, room_id, definition, trigger_data, attempts, next_attempt_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`,
		d.Owner, d.RoomID, d.Definition, d.TriggerData, d.Attempts, out.NextAttemptAt, out.Status).
		Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue deferred: %w", err)
	}
	return &out, nil
}

// ClaimDeferred uses a conditional UPDATE as the compare-and-swap so that
// concurrent replayer ticks never claim the same item twice.
func (p *Postgres) ClaimDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredExecution, error) {
	rows, err := p.db.QueryContext(ctx,
		`UPDATE deferred_executions SET status = 'processing'
		 WHERE id IN (
			SELECT id FROM deferred_executions
			WHERE status = 'queued' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, owner, room_id, definition, trigger_data, attempts, next_attempt_at, last_error, status, execution_id, created_at`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deferred: %w", err)
	}
	defer rows.Close()
	var out []DeferredExecution
	for rows.Next() {
		var d DeferredExecution
		if err := rows.Scan(&d.ID, &d.Owner, &d.RoomID, &d.Definition, &d.TriggerData,
			&d.Attempts, &d.NextAttemptAt, &d.LastError, &d.Status, &d.ExecutionID, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateDeferred(ctx context.Context, d *DeferredExecution) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE deferred_executions
		 SET attempts = $1, next_attempt_at = $2, last_error = $3, status = $4, execution_id = $5
		 WHERE id = $6`,
		d.Attempts, d.NextAttemptAt, d.LastError, d.Status, d.ExecutionID, d.ID)
	return err
}
