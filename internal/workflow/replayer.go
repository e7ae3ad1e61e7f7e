package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/store"
)

// GuardKey marks the runtime as known-down; while set, replay ticks are
// skipped entirely instead of burning attempts.
const GuardKey = "korvo:wf:runtime_down"

// ReplayConfig tunes the deferred-queue replayer.
type ReplayConfig struct {
	Interval    time.Duration // default 5 s
	BatchLimit  int           // default 10, hard cap 10
	MaxAttempts int           // default 6
	BackoffBase time.Duration // default 10 s
	BackoffMax  time.Duration // default 5 min
	GuardTTL    time.Duration // default 120 s
}

func (c *ReplayConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchLimit <= 0 || c.BatchLimit > 10 {
		c.BatchLimit = 10
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 6
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.GuardTTL == 0 {
		c.GuardTTL = 120 * time.Second
	}
}

// Replayer drains the deferred queue in the background once the runtime
// recovers.
type Replayer struct {
	store  store.Store
	cache  kv.Store
	engine *Engine
	cfg    ReplayConfig
	log    *slog.Logger
	now    func() time.Time
}

func NewReplayer(st store.Store, cache kv.Store, engine *Engine, cfg ReplayConfig, log *slog.Logger) *Replayer {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{store: st, cache: cache, engine: engine, cfg: cfg, log: log, now: time.Now}
}

// Run ticks until the context is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error("replay tick failed", "error", err)
			}
		}
	}
}

// Tick claims and replays one batch of due items.
func (r *Replayer) Tick(ctx context.Context) error {
	if _, err := r.cache.Get(ctx, GuardKey); err == nil {
		return nil // runtime known down, wait out the guard TTL
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	items, err := r.store.ClaimDeferred(ctx, r.now(), r.cfg.BatchLimit)
	if err != nil {
		return err
	}

	for i := range items {
		item := &items[i]
		res, err := r.engine.StartDeferredItem(ctx, item)
		if err == nil {
			item.Status = store.DeferredStarted
			item.LastError = ""
			if res.Execution != nil {
				id := res.Execution.ID
				item.ExecutionID = &id
			}
			if uerr := r.store.UpdateDeferred(ctx, item); uerr != nil {
				return uerr
			}
			metrics.DeferredReplays.WithLabelValues("started").Inc()
			r.log.Info("deferred workflow replayed", "item", item.ID, "status", res.Status)
			continue
		}

		r.fail(ctx, item, err)

		if Unreachable(err) {
			if _, serr := r.cache.SetNX(ctx, GuardKey, []byte("1"), r.cfg.GuardTTL); serr != nil {
				r.log.Error("failed to set runtime guard", "error", serr)
			}
			r.requeueRest(ctx, items[i+1:])
			return nil
		}
	}
	return nil
}

// fail increments the attempt counter and either requeues with backoff or
// abandons the item.
func (r *Replayer) fail(ctx context.Context, item *store.DeferredExecution, cause error) {
	item.Attempts++
	item.LastError = cause.Error()
	if item.Attempts >= r.cfg.MaxAttempts {
		item.Status = store.DeferredAbandoned
		metrics.DeferredReplays.WithLabelValues("abandoned").Inc()
		r.log.Warn("deferred workflow abandoned", "item", item.ID, "attempts", item.Attempts, "error", cause)
	} else {
		item.Status = store.DeferredQueued
		item.NextAttemptAt = r.now().Add(Backoff(r.cfg.BackoffBase, r.cfg.BackoffMax, item.Attempts))
		metrics.DeferredReplays.WithLabelValues("requeued").Inc()
	}
	if err := r.store.UpdateDeferred(ctx, item); err != nil {
		r.log.Error("failed to update deferred item", "item", item.ID, "error", err)
	}
}

// requeueRest returns unprocessed claimed items to the queue without
// charging them an attempt.
func (r *Replayer) requeueRest(ctx context.Context, rest []store.DeferredExecution) {
	for i := range rest {
		item := &rest[i]
		item.Status = store.DeferredQueued
		if err := r.store.UpdateDeferred(ctx, item); err != nil {
			r.log.Error("failed to requeue deferred item", "item", item.ID, "error", err)
		}
	}
}
