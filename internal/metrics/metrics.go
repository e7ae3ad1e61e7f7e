// Package metrics exposes the service's Prometheus instrumentation and the
// health endpoint. Metrics live in the default registry so call sites can
// increment without plumbing a handle through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedSessions tracks live websocket sessions across all rooms.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "korvo_connected_sessions",
		Help: "Number of currently connected chat sessions",
	})

	// FanoutEvents counts events delivered to room groups, by event type.
	FanoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "korvo_fanout_events_total",
		Help: "Events fanned out to room sessions",
	}, []string{"event"})

	// MessagesPersisted counts encrypted messages written to storage.
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "korvo_messages_persisted_total",
		Help: "Messages sealed and persisted",
	})

	// RateLimitDenials counts gate rejections by scope.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "korvo_rate_limit_denials_total",
		Help: "Requests rejected by the rate gate",
	}, []string{"scope"})

	// WorkflowRuns counts completed workflow executions by trigger and
	// terminal status.
	WorkflowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "korvo_workflow_runs_total",
		Help: "Workflow executions by trigger type and terminal status",
	}, []string{"trigger", "status"})

	// WorkflowStepDuration observes wall time per executed step.
	WorkflowStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "korvo_workflow_step_duration_seconds",
		Help:    "Duration of individual workflow steps",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "action"})

	// DeferredReplays counts deferred-queue replay outcomes.
	DeferredReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "korvo_deferred_replays_total",
		Help: "Deferred workflow replay attempts by outcome",
	}, []string{"outcome"})

	// NudgesSent counts proactive nudges by reason.
	NudgesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "korvo_nudges_sent_total",
		Help: "Proactive nudges delivered, by reason",
	}, []string{"reason"})

	// ModerationMutes counts users muted by the moderation pipeline.
	ModerationMutes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "korvo_moderation_mutes_total",
		Help: "Users muted after crossing the flag threshold",
	})
)
