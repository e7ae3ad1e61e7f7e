// Package moderation implements the per-room moderation pipeline: an
// append-only buffer of pending message ids, drained atomically into
// batches once the threshold is reached, and a background worker pool that
// screens each batch and latches mutes.
package moderation

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/store"
)

const bufferKeyPrefix = "korvo:mod:buffer:"

// Screener inspects a batch of messages and returns the flagged subset,
// keyed by author. LLMScreener is the production implementation; tests
// use fakes.
type Screener interface {
	Screen(ctx context.Context, msgs []store.Message) (flaggedByAuthor map[string][]int64, err error)
}

// Storage is the subset of store.Store the pipeline needs.
type Storage interface {
	GetMessage(ctx context.Context, id int64) (*store.Message, error)
	CreateModerationBatch(ctx context.Context, roomID int64, messageIDs []int64) (*store.ModerationBatch, error)
	FinishModerationBatch(ctx context.Context, batchID int64, flagged int) error
	AddFlags(ctx context.Context, roomID int64, user string, n, muteThreshold int) (*store.UserModerationStatus, error)
	ModerationStatus(ctx context.Context, roomID int64, user string) (*store.UserModerationStatus, error)
}

// Buffer accumulates message ids per room and drains them into batches.
type Buffer struct {
	kv            kv.Store
	storage       Storage
	screener      Screener
	batchSize     int
	flagThreshold int
	debug         bool

	queue  chan *store.ModerationBatch
	wg     sync.WaitGroup
	once   sync.Once
	logger *log.Logger
}

// Config tunes the pipeline.
type Config struct {
	BatchSize     int
	FlagThreshold int
	Workers       int
	Debug         bool // bypass buffering entirely
}

// NewBuffer creates the pipeline and starts its worker pool.
func NewBuffer(kvStore kv.Store, storage Storage, screener Screener, cfg Config) *Buffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	b := &Buffer{
		kv:            kvStore,
		storage:       storage,
		screener:      screener,
		batchSize:     cfg.BatchSize,
		flagThreshold: cfg.FlagThreshold,
		debug:         cfg.Debug,
		queue:         make(chan *store.ModerationBatch, 100),
		logger:        log.New(log.Writer(), "[MODERATION] ", log.LstdFlags),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Append adds a message id to the room buffer; when the buffer reaches the
// batch size it is drained atomically into a pending batch. Two concurrent
// at-threshold observers produce exactly one batch because the drain is a
// conditional read-and-delete in the shared store.
func (b *Buffer) Append(ctx context.Context, roomID, msgID int64) error {
	if b.debug {
		return nil
	}
	key := fmt.Sprintf("%s%d", bufferKeyPrefix, roomID)
	length, err := b.kv.RPush(ctx, key, strconv.FormatInt(msgID, 10))
	if err != nil {
		return fmt.Errorf("buffer append: %w", err)
	}
	if length < int64(b.batchSize) {
		return nil
	}

	items, err := b.kv.DrainList(ctx, key)
	if err != nil {
		return fmt.Errorf("buffer drain: %w", err)
	}
	if len(items) == 0 {
		// Another sender won the drain.
		return nil
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	batch, err := b.storage.CreateModerationBatch(ctx, roomID, ids)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	select {
	case b.queue <- batch:
	default:
		b.logger.Printf("queue full, batch %d will be picked up unprocessed", batch.ID)
	}
	return nil
}

// PendingLen reports the current buffer length for a room (tests, metrics).
func (b *Buffer) PendingLen(ctx context.Context, roomID int64) (int64, error) {
	return b.kv.LLen(ctx, fmt.Sprintf("%s%d", bufferKeyPrefix, roomID))
}

// worker screens batches: load messages, run the screener, record flags and
// finish the batch.
func (b *Buffer) worker() {
	defer b.wg.Done()
	for batch := range b.queue {
		b.process(batch)
	}
}

func (b *Buffer) process(batch *store.ModerationBatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	msgs := make([]store.Message, 0, len(batch.MessageIDs))
	for _, id := range batch.MessageIDs {
		msg, err := b.storage.GetMessage(ctx, id)
		if err != nil {
			continue
		}
		msgs = append(msgs, *msg)
	}

	flagged := map[string][]int64{}
	if b.screener != nil && len(msgs) > 0 {
		var err error
		flagged, err = b.screener.Screen(ctx, msgs)
		if err != nil {
			b.logger.Printf("screen batch %d failed: %v", batch.ID, err)
			flagged = map[string][]int64{}
		}
	}

	total := 0
	for author, ids := range flagged {
		total += len(ids)
		st, err := b.storage.AddFlags(ctx, batch.RoomID, author, len(ids), b.flagThreshold)
		if err != nil {
			b.logger.Printf("add flags for %s: %v", author, err)
			continue
		}
		if st.IsMuted {
			metrics.ModerationMutes.Inc()
			b.logger.Printf("user %s muted in room %d (flags=%d)", author, batch.RoomID, st.FlagCount)
		}
	}

	if err := b.storage.FinishModerationBatch(ctx, batch.ID, total); err != nil {
		b.logger.Printf("finish batch %d: %v", batch.ID, err)
	}
}

// IsMuted reports whether a user is muted in a room.
func (b *Buffer) IsMuted(ctx context.Context, roomID int64, user string) (bool, error) {
	st, err := b.storage.ModerationStatus(ctx, roomID, user)
	if err != nil {
		return false, err
	}
	return st.IsMuted, nil
}

// Shutdown drains the worker pool.
func (b *Buffer) Shutdown() {
	b.once.Do(func() {
		close(b.queue)
		b.wg.Wait()
	})
}
