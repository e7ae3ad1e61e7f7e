package workflow

import (
	"context"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/korvo-chat/backend/internal/store"
)

// Scheduler fires schedule-triggered workflows on their cron expressions.
// Overlap policy is skip, enforced twice: SkipIfStillRunning covers the
// in-process job, and an active-execution check covers runs started by other
// instances or triggers.
type Scheduler struct {
	cron   *cron.Cron
	store  store.Store
	engine *Engine
	log    *slog.Logger

	mu      sync.Mutex
	entries map[int64][]cron.EntryID
}

func NewScheduler(st store.Store, engine *Engine, slogger *slog.Logger) *Scheduler {
	if slogger == nil {
		slogger = slog.Default()
	}
	cronLog := cron.PrintfLogger(log.New(os.Stdout, "[SCHEDULER] ", log.LstdFlags))
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		store:   st,
		engine:  engine,
		log:     slogger,
		entries: make(map[int64][]cron.EntryID),
	}
}

// Start registers every persisted workflow's schedule triggers and starts
// the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for i := range workflows {
		if err := s.Register(&workflows[i]); err != nil {
			s.log.Error("failed to register workflow schedule", "workflow", workflows[i].ID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

// Register adds the schedule triggers of one workflow. Safe to call after
// Start for newly saved workflows.
func (s *Scheduler) Register(rec *store.WorkflowRecord) error {
	def, err := ParseDefinition([]byte(rec.Definition))
	if err != nil {
		return err
	}
	recCopy := *rec
	for _, t := range def.Triggers {
		if t.Type != TriggerSchedule {
			continue
		}
		spec := t.Cron
		if t.Timezone != "" {
			spec = "CRON_TZ=" + t.Timezone + " " + spec
		}
		trigger := t
		id, err := s.cron.AddFunc(spec, func() { s.fire(&recCopy, trigger) })
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.entries[rec.ID] = append(s.entries[rec.ID], id)
		s.mu.Unlock()
	}
	return nil
}

// Unregister removes a workflow's schedule entries.
func (s *Scheduler) Unregister(workflowID int64) {
	s.mu.Lock()
	ids := s.entries[workflowID]
	delete(s.entries, workflowID)
	s.mu.Unlock()
	for _, id := range ids {
		s.cron.Remove(id)
	}
}

func (s *Scheduler) fire(rec *store.WorkflowRecord, trigger Trigger) {
	ctx := context.Background()

	active, err := s.store.HasActiveExecution(ctx, rec.ID)
	if err != nil {
		s.log.Error("overlap check failed", "workflow", rec.ID, "error", err)
		return
	}
	if active {
		s.log.Info("skipping scheduled run: previous run still in flight", "workflow", rec.ID)
		return
	}

	res, err := s.engine.StartForWorkflow(ctx, rec, TriggerSchedule, map[string]any{
		"cron":     trigger.Cron,
		"timezone": trigger.Timezone,
	})
	if err != nil {
		s.log.Error("scheduled run failed to start", "workflow", rec.ID, "error", err)
		return
	}
	s.log.Info("scheduled run finished", "workflow", rec.ID, "status", res.Status)
}

// Stop halts the cron loop, waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ============================================================================
// Webhook trigger routing
// ============================================================================

// WebhookRouter starts workflows whose webhook trigger matches an incoming
// (service, event) pair.
type WebhookRouter struct {
	store  store.Store
	engine *Engine
	log    *slog.Logger
}

func NewWebhookRouter(st store.Store, engine *Engine, log *slog.Logger) *WebhookRouter {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookRouter{store: st, engine: engine, log: log}
}

// Dispatch starts every matching workflow with the payload as trigger data
// and returns how many were started.
func (r *WebhookRouter) Dispatch(ctx context.Context, service, event string, payload map[string]any) (int, error) {
	workflows, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for i := range workflows {
		rec := &workflows[i]
		def, err := ParseDefinition([]byte(rec.Definition))
		if err != nil {
			r.log.Error("skipping workflow with corrupt definition", "workflow", rec.ID, "error", err)
			continue
		}
		for _, t := range def.Triggers {
			if t.Type != TriggerWebhook || t.Service != service || t.Event != event {
				continue
			}
			trigger := map[string]any{"service": service, "event": event, "payload": payload}
			res, err := r.engine.StartForWorkflow(ctx, rec, TriggerWebhook, trigger)
			if err != nil {
				r.log.Error("webhook-triggered run failed to start", "workflow", rec.ID, "error", err)
				continue
			}
			r.log.Info("webhook-triggered run finished", "workflow", rec.ID, "status", res.Status)
			started++
			break
		}
	}
	return started, nil
}
