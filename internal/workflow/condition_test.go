package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalCond(t *testing.T, src string, ctx map[string]any) bool {
	t.Helper()
	c, err := ParseCondition(src)
	require.NoError(t, err, "parse %q", src)
	return c.Eval(ctx)
}

func TestConditionComparisons(t *testing.T) {
	ctx := map[string]any{
		"step_1": map[string]any{"status": "success", "count": 3.0},
	}

	assert.True(t, evalCond(t, `step_1.status == 'success'`, ctx))
	assert.False(t, evalCond(t, `step_1.status != "success"`, ctx))
	assert.True(t, evalCond(t, `step_1.count > 2`, ctx))
	assert.True(t, evalCond(t, `step_1.count >= 3`, ctx))
	assert.False(t, evalCond(t, `step_1.count < 3`, ctx))
	assert.True(t, evalCond(t, `step_1.count <= 3`, ctx))
}

func TestConditionLogical(t *testing.T) {
	ctx := map[string]any{"a": true, "b": false, "n": 5.0}

	assert.True(t, evalCond(t, `a and n > 1`, ctx))
	assert.False(t, evalCond(t, `a and b`, ctx))
	assert.True(t, evalCond(t, `a or b`, ctx))
	assert.True(t, evalCond(t, `not b`, ctx))
	assert.True(t, evalCond(t, `(a or b) and not b`, ctx))
}

func TestConditionMembership(t *testing.T) {
	ctx := map[string]any{
		"tags":   []any{"urgent", "billing"},
		"status": "completed successfully",
	}

	assert.True(t, evalCond(t, `'urgent' in tags`, ctx))
	assert.False(t, evalCond(t, `'minor' in tags`, ctx))
	assert.True(t, evalCond(t, `'minor' not in tags`, ctx))
	assert.True(t, evalCond(t, `'success' in status`, ctx))
	assert.True(t, evalCond(t, `status in ['completed successfully', 'done']`, ctx))
}

func TestConditionMissingPathIsFalsy(t *testing.T) {
	ctx := map[string]any{}
	assert.False(t, evalCond(t, `step_9.status == 'success'`, ctx))
	assert.True(t, evalCond(t, `step_9.status == null`, ctx))
	assert.False(t, evalCond(t, `step_9.result`, ctx))
}

func TestConditionTruthiness(t *testing.T) {
	ctx := map[string]any{
		"empty":  "",
		"full":   "x",
		"zero":   0.0,
		"items":  []any{},
		"filled": []any{1.0},
	}
	assert.False(t, evalCond(t, `empty`, ctx))
	assert.True(t, evalCond(t, `full`, ctx))
	assert.False(t, evalCond(t, `zero`, ctx))
	assert.False(t, evalCond(t, `items`, ctx))
	assert.True(t, evalCond(t, `filled`, ctx))
}

func TestConditionNumericStringCrossTypeUnequal(t *testing.T) {
	ctx := map[string]any{"count": 3.0}
	assert.False(t, evalCond(t, `count == '3'`, ctx))
}

func TestConditionObjectValuedPathsDoNotPanic(t *testing.T) {
	// Bare step paths resolve to whole result objects. Comparing those must
	// evaluate structurally rather than crash the run.
	ctx := map[string]any{
		"step_1": map[string]any{"status": "success", "ids": []any{1.0, 2.0}},
		"step_2": map[string]any{"status": "success", "ids": []any{1.0, 2.0}},
		"step_3": map[string]any{"status": "error"},
	}

	assert.True(t, evalCond(t, `step_1 == step_2`, ctx))
	assert.False(t, evalCond(t, `step_1 == step_3`, ctx))
	assert.True(t, evalCond(t, `step_1 != step_3`, ctx))
	assert.True(t, evalCond(t, `step_1.ids == step_2.ids`, ctx))
	assert.False(t, evalCond(t, `step_1.ids == step_3`, ctx))
}

func TestConditionParseErrors(t *testing.T) {
	for _, src := range []string{
		`a ==`,
		`(a or b`,
		`'unterminated`,
		`a ! b`,
		`foo(bar)`,
		`and and`,
	} {
		_, err := ParseCondition(src)
		assert.Error(t, err, "expected parse error for %q", src)
	}
}
