package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korvo-chat/backend/internal/adapters"
	"github.com/korvo-chat/backend/internal/chaterr"
	"github.com/korvo-chat/backend/internal/dispatch"
	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/store"
)

// scriptedAdapter returns queued results per action, then repeats the last.
type scriptedAdapter struct {
	service string
	results map[string][]adapters.Result
	calls   map[string]int
	params  map[string][]map[string]any
}

func newScriptedAdapter(service string) *scriptedAdapter {
	return &scriptedAdapter{
		service: service,
		results: make(map[string][]adapters.Result),
		calls:   make(map[string]int),
		params:  make(map[string][]map[string]any),
	}
}

func (a *scriptedAdapter) on(action string, results ...adapters.Result) *scriptedAdapter {
	a.results[action] = results
	return a
}

func (a *scriptedAdapter) Service() string { return a.service }

func (a *scriptedAdapter) Execute(_ context.Context, action string, params map[string]any, _ adapters.Call) adapters.Result {
	i := a.calls[action]
	a.calls[action]++
	a.params[action] = append(a.params[action], params)
	queue := a.results[action]
	if len(queue) == 0 {
		return adapters.Result{Status: adapters.StatusSuccess}
	}
	if i >= len(queue) {
		i = len(queue) - 1
	}
	return queue[i]
}

type testRig struct {
	store  *store.Memory
	cache  *kv.Memory
	engine *Engine
}

func newRig(fakes ...adapters.Adapter) *testRig {
	mem := store.NewMemory()
	cache := kv.NewMemory()
	reg := adapters.NewRegistry(fakes...)
	d := dispatch.New(reg, nil, nil, 100000, nil)
	e := NewEngine(mem, d, cache, Config{BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}, nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return &testRig{store: mem, cache: cache, engine: e}
}

func simpleDef(steps ...Step) *Definition {
	return &Definition{Name: "test", Triggers: []Trigger{{Type: TriggerManual}}, Steps: steps}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidateZeroStepsInvalid(t *testing.T) {
	def := &Definition{Name: "empty"}
	err := def.Validate()
	require.Error(t, err)
	assert.Equal(t, chaterr.Invalid, chaterr.KindOf(err))
}

func TestValidateMaxStepsAccepted(t *testing.T) {
	def := &Definition{Name: "big"}
	for i := 0; i < MaxSteps; i++ {
		def.Steps = append(def.Steps, Step{
			ID: "step_" + string(rune('a'+i)), Service: "email", Action: "send_email",
		})
	}
	assert.NoError(t, def.Validate())

	def.Steps = append(def.Steps, Step{ID: "overflow", Service: "email", Action: "send_email"})
	assert.Error(t, def.Validate())
}

func TestValidateWithdrawRequiresPolicy(t *testing.T) {
	def := simpleDef(Step{ID: "w", Service: "payments", Action: "withdraw_money",
		Params: map[string]any{"amount": 100.0, "phone_number": "+254711"}})
	err := def.Validate()
	require.Error(t, err)
	assert.Equal(t, chaterr.Policy, chaterr.KindOf(err))

	def.Policy = &dispatch.Policy{AllowedPhoneNumbers: []string{"+254711"}, MaxWithdrawAmount: 500}
	assert.NoError(t, def.Validate())
}

func TestValidateBadCron(t *testing.T) {
	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email"})
	def.Triggers = append(def.Triggers, Trigger{Type: TriggerSchedule, Cron: "not a cron"})
	assert.Error(t, def.Validate())
}

func TestValidateDuplicateStepIDs(t *testing.T) {
	def := simpleDef(
		Step{ID: "a", Service: "email", Action: "send_email"},
		Step{ID: "a", Service: "email", Action: "send_email"},
	)
	assert.Error(t, def.Validate())
}

// ============================================================================
// Execution
// ============================================================================

func TestRunCompletesAndPersistsContext(t *testing.T) {
	travel := newScriptedAdapter("travel").on("search_flights",
		adapters.Result{Status: "success", Results: []map[string]any{{"airline": "KQ100", "price": 420.0}}})
	rig := newRig(travel)

	def := simpleDef(Step{ID: "step_1", Service: "travel", Action: "search_flights",
		Params: map[string]any{"origin": "NBO", "destination": "LHR", "departure_date": "2026-09-01"}})

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecCompleted), res.Status)

	exec, err := rig.store.GetExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, exec.Status)

	var ctx map[string]any
	require.NoError(t, json.Unmarshal([]byte(exec.ResultContext), &ctx))
	step1 := ctx["step_1"].(map[string]any)
	assert.Equal(t, "success", step1["status"])
}

func TestStepOutputsFeedLaterTemplates(t *testing.T) {
	travel := newScriptedAdapter("travel").on("search_flights",
		adapters.Result{Status: "success", Data: map[string]any{"cheapest": "KQ100"}})
	email := newScriptedAdapter("email")
	rig := newRig(travel, email)

	def := simpleDef(
		Step{ID: "step_1", Service: "travel", Action: "search_flights",
			Params: map[string]any{"origin": "NBO", "destination": "LHR", "departure_date": "2026-09-01"}},
		Step{ID: "step_2", Service: "email", Action: "send_email",
			Params: map[string]any{"to": "a@b.com", "subject": "Cheapest: {{step_1.data.cheapest}}", "text": "x"}},
	)

	_, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	require.Len(t, email.params["send_email"], 1)
	assert.Equal(t, "Cheapest: KQ100", email.params["send_email"][0]["subject"])
}

func TestFalseConditionSkipsStep(t *testing.T) {
	email := newScriptedAdapter("email")
	rig := newRig(email)

	def := simpleDef(
		Step{ID: "step_1", Service: "email", Action: "send_email",
			Params:    map[string]any{"to": "a@b.com", "subject": "s", "text": "x"},
			Condition: `trigger.urgent == true`},
	)

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def,
		map[string]any{"urgent": false})
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecCompleted), res.Status)
	assert.Zero(t, email.calls["send_email"])

	var ctx map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Execution.ResultContext), &ctx))
	assert.Equal(t, "skipped", ctx["step_1"].(map[string]any)["status"])
}

func TestRetryThenSuccess(t *testing.T) {
	email := newScriptedAdapter("email").on("send_email",
		adapters.Errorf("flaky"),
		adapters.Errorf("flaky again"),
		adapters.Result{Status: "success"},
	)
	rig := newRig(email)

	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}})

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecCompleted), res.Status)
	assert.Equal(t, 3, email.calls["send_email"])
}

func TestExhaustedRetriesWithStopFailsRun(t *testing.T) {
	email := newScriptedAdapter("email").on("send_email", adapters.Errorf("down"))
	rig := newRig(email)

	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email", OnError: OnErrorStop,
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}})

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecFailed), res.Status)
	assert.Equal(t, 3, email.calls["send_email"])
	assert.Equal(t, "down", res.Execution.ErrorMessage)
}

func TestOnErrorContinueProceeds(t *testing.T) {
	email := newScriptedAdapter("email").on("send_email", adapters.Errorf("down"))
	calendar := newScriptedAdapter("calendar")
	rig := newRig(email, calendar)

	def := simpleDef(
		Step{ID: "s1", Service: "email", Action: "send_email", OnError: OnErrorContinue,
			Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}},
		Step{ID: "s2", Service: "calendar", Action: "create_reminder",
			Params: map[string]any{"title": "t", "remind_at": "2026-09-01 09:00"}},
	)

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecCompleted), res.Status)
	assert.Equal(t, 1, calendar.calls["create_reminder"])

	var ctx map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Execution.ResultContext), &ctx))
	s1 := ctx["s1"].(map[string]any)
	assert.Equal(t, "error", s1["status"])
	assert.Equal(t, "down", s1["error"])
}

func TestPolicyViolationNotRetried(t *testing.T) {
	payments := newScriptedAdapter("payments")
	rig := newRig(payments)

	def := simpleDef(Step{ID: "w", Service: "payments", Action: "withdraw_money",
		Params: map[string]any{"amount": 10000.0, "phone_number": "+254700"}})
	def.Policy = &dispatch.Policy{AllowedPhoneNumbers: []string{"+254711"}, MaxWithdrawAmount: 5000}

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecFailed), res.Status)
	assert.Contains(t, res.Execution.ErrorMessage, "limit")
	// The adapter is never touched and the failure is not retried.
	assert.Zero(t, payments.calls["withdraw_money"])
}

func TestWithdrawOutsideAllowlistFailsRun(t *testing.T) {
	payments := newScriptedAdapter("payments")
	rig := newRig(payments)

	def := simpleDef(Step{ID: "w", Service: "payments", Action: "withdraw_money",
		Params: map[string]any{"amount": 1000.0, "phone_number": "+254700"}})
	def.Policy = &dispatch.Policy{AllowedPhoneNumbers: []string{"+254711"}, MaxWithdrawAmount: 5000}

	res, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecFailed), res.Status)
	assert.Contains(t, res.Execution.ErrorMessage, "allowlist")
	assert.Zero(t, payments.calls["withdraw_money"])
}

// ============================================================================
// Idempotency & deferral
// ============================================================================

func TestDuplicateStartWithinWindow(t *testing.T) {
	email := newScriptedAdapter("email")
	rig := newRig(email)

	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}})

	first, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, map[string]any{"q": "same"})
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecCompleted), first.Status)

	second, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, map[string]any{"q": "same"})
	require.NoError(t, err)
	assert.Equal(t, StartDuplicate, second.Status)
	assert.Contains(t, second.Message, "already started")
	assert.Equal(t, 1, email.calls["send_email"])
}

func TestDifferentTriggerDataNotDuplicate(t *testing.T) {
	email := newScriptedAdapter("email")
	rig := newRig(email)

	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}})

	_, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, map[string]any{"q": "one"})
	require.NoError(t, err)
	second, err := rig.engine.StartAdHoc(context.Background(), "alice", 7, def, map[string]any{"q": "two"})
	require.NoError(t, err)
	assert.Equal(t, string(store.ExecCompleted), second.Status)
	assert.Equal(t, 2, email.calls["send_email"])
}

// downStore simulates the durable runtime being unreachable.
type downStore struct {
	*store.Memory
}

func (d *downStore) CreateExecution(context.Context, *store.Execution) (*store.Execution, error) {
	return nil, chaterr.New(chaterr.Unavailable, "runtime connection refused")
}

func TestUnavailableRuntimeDivertsToDeferredQueue(t *testing.T) {
	mem := store.NewMemory()
	cache := kv.NewMemory()
	d := dispatch.New(adapters.NewRegistry(), nil, nil, 100000, nil)
	e := NewEngine(&downStore{mem}, d, cache, Config{}, nil)

	def := simpleDef(Step{ID: "s", Service: "email", Action: "send_email",
		Params: map[string]any{"to": "a@b.com", "subject": "s", "text": "x"}})

	res, err := e.StartAdHoc(context.Background(), "alice", 7, def, nil)
	require.NoError(t, err)
	assert.Equal(t, StartDeferred, res.Status)

	claimed, err := mem.ClaimDeferred(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "alice", claimed[0].Owner)
	assert.Equal(t, int64(7), claimed[0].RoomID)
}

// ============================================================================
// Compaction
// ============================================================================

func TestCompactContextLimits(t *testing.T) {
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	bigList := make([]any, 20)
	for i := range bigList {
		bigList[i] = float64(i)
	}
	deep := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": map[string]any{"e": "gone"}}}},
	}

	out, err := CompactContext(map[string]any{
		"text": string(long),
		"list": bigList,
		"deep": deep,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))

	text := m["text"].(string)
	assert.LessOrEqual(t, len(text), maxStringLen+len(truncatedMark))
	assert.Len(t, m["list"].([]any), maxListItems)

	d := m["deep"].(map[string]any)["a"].(map[string]any)["b"].(map[string]any)["c"].(map[string]any)
	assert.Equal(t, truncatedMark, d["d"])
}

func TestBackoffCurve(t *testing.T) {
	base, max := 2*time.Second, 30*time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, max, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, max, 3))
	assert.Equal(t, 30*time.Second, Backoff(base, max, 5))
	assert.Equal(t, 30*time.Second, Backoff(base, max, 10))
}
