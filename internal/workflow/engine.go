package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/korvo-chat/backend/internal/adapters"
	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/dispatch"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/metrics"
	"github.com/korvo-chat/backend/internal/store"
)

// Start outcomes beyond the execution statuses.
const (
	StartDuplicate = "duplicate"
	StartDeferred  = "deferred"
)

// DuplicateMessage is what the user sees on an idempotency hit.
const DuplicateMessage = "I already started that request. Give it a moment to finish."

// StartResult is the outcome of a workflow start.
type StartResult struct {
	Status    string
	Message   string
	Execution *store.Execution
}

// Config tunes the engine's retry and idempotency behavior.
type Config struct {
	IdempotencyWindow time.Duration // default 90 s
	StepTimeout       time.Duration // default 5 min
	MaxAttempts       int           // default 3
	BackoffBase       time.Duration // default 2 s
	BackoffMax        time.Duration // default 30 s
}

func (c *Config) defaults() {
	if c.IdempotencyWindow == 0 {
		c.IdempotencyWindow = 90 * time.Second
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Engine runs workflow definitions step by step with durable state.
type Engine struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	cache      kv.Store
	cfg        Config
	log        *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(st store.Store, d *dispatch.Dispatcher, cache kv.Store, cfg Config, log *slog.Logger) *Engine {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      st,
		dispatcher: d,
		cache:      cache,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StartAdHoc starts a one-off run for a user. Duplicate requests within the
// idempotency window return StartDuplicate without side effects; a runtime
// outage diverts the start to the deferred queue.
func (e *Engine) StartAdHoc(ctx context.Context, owner string, roomID int64, def *Definition, triggerData map[string]any) (*StartResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	key, err := idempotencyHash(owner, def, triggerData)
	if err != nil {
		return nil, err
	}
	won, err := e.cache.SetNX(ctx, "korvo:wf:idem:"+key, []byte("1"), e.cfg.IdempotencyWindow)
	if err != nil {
		return nil, err
	}
	if !won {
		return &StartResult{Status: StartDuplicate, Message: DuplicateMessage}, nil
	}

	exec, err := e.begin(ctx, nil, TriggerManual, triggerData)
	if err != nil {
		if !Unreachable(err) {
			return nil, err
		}
		return e.divertToQueue(ctx, owner, roomID, def, triggerData, err)
	}
	return e.run(ctx, exec, def, triggerData, owner, roomID)
}

// StartForWorkflow runs a persisted workflow for a webhook or schedule
// trigger. No idempotency window: schedules dedupe via overlap skip and
// webhooks via their delivery ids.
func (e *Engine) StartForWorkflow(ctx context.Context, rec *store.WorkflowRecord, triggerType string, triggerData map[string]any) (*StartResult, error) {
	def, err := ParseDefinition([]byte(rec.Definition))
	if err != nil {
		return nil, err
	}
	exec, err := e.begin(ctx, &rec.ID, triggerType, triggerData)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, exec, def, triggerData, rec.Owner, 0)
}

// StartDeferredItem retries a queued start from the replay queue. It bypasses
// the idempotency window (the original start already claimed it).
func (e *Engine) StartDeferredItem(ctx context.Context, item *store.DeferredExecution) (*StartResult, error) {
	def, err := ParseDefinition([]byte(item.Definition))
	if err != nil {
		return nil, err
	}
	var triggerData map[string]any
	if item.TriggerData != "" {
		if err := json.Unmarshal([]byte(item.TriggerData), &triggerData); err != nil {
			return nil, chaterr.Wrap(chaterr.Invalid, "deferred trigger data is corrupt", err)
		}
	}
	exec, err := e.begin(ctx, nil, TriggerManual, triggerData)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, exec, def, triggerData, item.Owner, item.RoomID)
}

func (e *Engine) begin(ctx context.Context, workflowID *int64, triggerType string, triggerData map[string]any) (*store.Execution, error) {
	raw, err := json.Marshal(triggerData)
	if err != nil {
		return nil, err
	}
	return e.store.CreateExecution(ctx, &store.Execution{
		WorkflowID:    workflowID,
		ExternalRunID: uuid.NewString(),
		TriggerType:   triggerType,
		TriggerData:   string(raw),
		Status:        store.ExecPending,
	})
}

func (e *Engine) divertToQueue(ctx context.Context, owner string, roomID int64, def *Definition, triggerData map[string]any, cause error) (*StartResult, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	trigJSON, err := json.Marshal(triggerData)
	if err != nil {
		return nil, err
	}
	_, err = e.store.EnqueueDeferred(ctx, &store.DeferredExecution{
		Owner:         owner,
		RoomID:        roomID,
		Definition:    string(defJSON),
		TriggerData:   string(trigJSON),
		Attempts:      0,
		NextAttemptAt: e.now(),
		LastError:     cause.Error(),
		Status:        store.DeferredQueued,
	})
	if err != nil {
		return nil, err
	}
	e.log.Warn("workflow start deferred: runtime unavailable", "owner", owner, "error", cause)
	return &StartResult{
		Status:  StartDeferred,
		Message: "The workflow engine is briefly unavailable. I queued your request and will run it automatically.",
	}, nil
}

// run executes the steps sequentially and persists the terminal transition
// with the compacted context.
func (e *Engine) run(ctx context.Context, exec *store.Execution, def *Definition, triggerData map[string]any, owner string, roomID int64) (*StartResult, error) {
	if err := e.store.TransitionExecution(ctx, exec.ID, store.ExecRunning, "", ""); err != nil {
		return nil, err
	}
	exec.Status = store.ExecRunning

	runCtx := map[string]any{"trigger": anyMap(triggerData)}
	outputs := make(map[string]adapters.Result, len(def.Steps))

	for _, step := range def.Steps {
		if ctx.Err() != nil {
			return e.finish(ctx, exec, store.ExecCancelled, runCtx, "cancelled")
		}

		if step.Condition != "" {
			cond, err := ParseCondition(step.Condition)
			if err != nil {
				// Validated at save time; treat a stale bad condition as a
				// skipped step rather than a crash.
				e.log.Error("invalid stored condition", "step", step.ID, "error", err)
				runCtx[step.ID] = map[string]any{"status": "skipped"}
				continue
			}
			if !cond.Eval(runCtx) {
				runCtx[step.ID] = map[string]any{"status": "skipped"}
				continue
			}
		}

		res := e.runStep(ctx, exec, step, outputs, triggerData, def.Policy, owner, roomID)
		outputs[step.ID] = res
		runCtx[step.ID] = resultMap(res)

		if !res.OK() && step.onError() == OnErrorStop {
			return e.finish(ctx, exec, store.ExecFailed, runCtx, res.Error)
		}
	}

	return e.finish(ctx, exec, store.ExecCompleted, runCtx, "")
}

// runStep applies the retry policy around one dispatch.
func (e *Engine) runStep(ctx context.Context, exec *store.Execution, step Step, outputs map[string]adapters.Result, triggerData map[string]any, policy *dispatch.Policy, owner string, roomID int64) adapters.Result {
	dc := dispatch.Context{
		UserID:      owner,
		RoomID:      roomID,
		ExecutionID: exec.ExternalRunID,
		Policy:      policy,
		Outputs:     outputs,
		Extra:       map[string]any{"trigger": anyMap(triggerData)},
	}

	var res adapters.Result
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		started := e.now()
		res = e.dispatcher.Execute(stepCtx, step.ID, step.Service, step.Action, step.Params, dc)
		metrics.WorkflowStepDuration.WithLabelValues(step.Service, step.Action).Observe(time.Since(started).Seconds())
		cancel()

		if res.OK() || res.Permanent() {
			return res
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		backoff := Backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, attempt)
		e.log.Warn("step failed, retrying",
			"run", exec.ExternalRunID, "step", step.ID, "attempt", attempt, "backoff", backoff, "error", res.Error)
		if err := e.sleep(ctx, backoff); err != nil {
			return res
		}
	}
	return res
}

func (e *Engine) finish(ctx context.Context, exec *store.Execution, status store.ExecStatus, runCtx map[string]any, errMsg string) (*StartResult, error) {
	compacted, err := CompactContext(runCtx)
	if err != nil {
		compacted = "{}"
	}
	// Persist the terminal state even when the caller's context is gone.
	if terr := e.store.TransitionExecution(context.WithoutCancel(ctx), exec.ID, status, compacted, errMsg); terr != nil {
		return nil, terr
	}
	exec.Status = status
	exec.ResultContext = compacted
	exec.ErrorMessage = errMsg
	metrics.WorkflowRuns.WithLabelValues(exec.TriggerType, string(status)).Inc()
	return &StartResult{Status: string(status), Execution: exec}, nil
}

// Backoff computes min(base * 2^(attempt-1), max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Unreachable reports whether an error looks like the runtime being down
// rather than a bad request.
func Unreachable(err error) bool {
	if err == nil {
		return false
	}
	if chaterr.KindOf(err) == chaterr.Unavailable {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "unavailable")
}

func idempotencyHash(owner string, def *Definition, triggerData map[string]any) (string, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	trigJSON, err := json.Marshal(triggerData)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", owner, defJSON, trigJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func resultMap(res adapters.Result) map[string]any {
	raw, err := json.Marshal(res)
	if err != nil {
		return map[string]any{"status": res.Status}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"status": res.Status}
	}
	return m
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
