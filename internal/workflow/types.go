// Package workflow executes validated workflow definitions as ordered step
// lists with conditions, retries, and policy enforcement, persisting every
// run's status transitions and compacted result context. It also owns the
// cron scheduler and the deferred replay queue.
package workflow

import (
	"encoding/json"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/dispatch"
)

// MaxSteps bounds a definition's step list.
const MaxSteps = 20

// Trigger types.
const (
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
)

// On-error policies.
const (
	OnErrorStop     = "stop"
	OnErrorContinue = "continue"
)

// Trigger describes how a workflow run starts.
type Trigger struct {
	Type string `json:"type"`

	// Webhook triggers.
	Service string         `json:"service,omitempty"`
	Event   string         `json:"event,omitempty"`
	Config  map[string]any `json:"config,omitempty"`

	// Schedule triggers.
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Step is one unit of a workflow.
type Step struct {
	ID        string         `json:"id"`
	Service   string         `json:"service"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Condition string         `json:"condition,omitempty"`
	OnError   string         `json:"on_error,omitempty"`
}

// Definition is a persistent, user-owned workflow.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Triggers    []Trigger        `json:"triggers"`
	Steps       []Step           `json:"steps"`
	Policy      *dispatch.Policy `json:"policy,omitempty"`
}

// ParseDefinition decodes and validates a definition from JSON.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, chaterr.Wrap(chaterr.Invalid, "workflow definition is not valid JSON", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// movesMoney reports whether a step performs a withdrawal.
func (s Step) movesMoney() bool {
	return s.Service == "payments" &&
		(s.Action == "withdraw_money" || s.Action == "withdraw")
}

// Validate checks structural rules: at least one step, bounded step count,
// unique ids, known trigger and error policies, parseable cron expressions,
// and a policy whenever a step moves money.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return chaterr.New(chaterr.Invalid, "workflow needs a name")
	}
	if len(d.Steps) == 0 {
		return chaterr.New(chaterr.Invalid, "workflow needs at least one step")
	}
	if len(d.Steps) > MaxSteps {
		return chaterr.New(chaterr.Invalid, "workflow has too many steps")
	}

	seen := make(map[string]bool, len(d.Steps))
	withdraws := false
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return chaterr.New(chaterr.Invalid, "every step needs an id")
		}
		if seen[s.ID] {
			return chaterr.New(chaterr.Invalid, "duplicate step id "+s.ID)
		}
		seen[s.ID] = true
		if s.Service == "" || s.Action == "" {
			return chaterr.New(chaterr.Invalid, "step "+s.ID+" needs a service and action")
		}
		switch s.OnError {
		case "", OnErrorStop, OnErrorContinue:
		default:
			return chaterr.New(chaterr.Invalid, "step "+s.ID+" has unknown on_error "+s.OnError)
		}
		if s.Condition != "" {
			if _, err := ParseCondition(s.Condition); err != nil {
				return chaterr.Wrap(chaterr.Invalid, "step "+s.ID+" has an invalid condition", err)
			}
		}
		if s.movesMoney() {
			withdraws = true
		}
	}

	for _, t := range d.Triggers {
		switch t.Type {
		case TriggerManual:
		case TriggerWebhook:
			if t.Service == "" || t.Event == "" {
				return chaterr.New(chaterr.Invalid, "webhook trigger needs a service and event")
			}
		case TriggerSchedule:
			spec := t.Cron
			if t.Timezone != "" {
				spec = "CRON_TZ=" + t.Timezone + " " + spec
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return chaterr.Wrap(chaterr.Invalid, "schedule trigger has an invalid cron expression", err)
			}
		default:
			return chaterr.New(chaterr.Invalid, "unknown trigger type "+t.Type)
		}
	}

	if withdraws {
		if d.Policy == nil {
			return chaterr.New(chaterr.Policy, "withdraw steps require a workflow policy")
		}
		if len(d.Policy.AllowedPhoneNumbers) == 0 {
			return chaterr.New(chaterr.Policy, "withdraw policy needs a phone-number allowlist")
		}
		if d.Policy.MaxWithdrawAmount <= 0 {
			return chaterr.New(chaterr.Policy, "withdraw policy needs a positive max amount")
		}
	}
	return nil
}

// onError resolves a step's policy, defaulting to stop.
func (s Step) onError() string {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}
