package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDNormalizationAvoidsCollisions(t *testing.T) {
	res := Verify([]Step{
		{Action: "search_flights", Params: map[string]any{"origin": "NBO", "destination": "LHR", "departure_date": "2026-09-01"}},
		{ID: "step_2", Action: "general_chat"},
		{Action: "general_chat"},
	}, nil)

	assert.Equal(t, "step_1", res.Steps[0].ID)
	assert.Equal(t, "step_2", res.Steps[1].ID)
	assert.Equal(t, "step_3", res.Steps[2].ID)
}

func TestEmailParamAliases(t *testing.T) {
	res := Verify([]Step{
		{Action: "send_email", Params: map[string]any{
			"recipient": "a@b.com", "subject": "hi", "body": "see you",
		}},
	}, nil)

	require.Equal(t, VerdictApprove, res.Verdict)
	p := res.Steps[0].Params
	assert.Equal(t, "a@b.com", p["to"])
	assert.Equal(t, "see you", p["text"])
	assert.NotContains(t, p, "recipient")
	assert.NotContains(t, p, "body")
}

func TestMessageParamAliasesAndActionRename(t *testing.T) {
	res := Verify([]Step{
		{Action: "send_message", Params: map[string]any{
			"phone": "+254711000111", "text": "on my way",
		}},
	}, nil)

	require.Equal(t, VerdictApprove, res.Verdict)
	assert.Equal(t, "send_whatsapp", res.Steps[0].Action)
	assert.Equal(t, "+254711000111", res.Steps[0].Params["phone_number"])
	assert.Equal(t, "on my way", res.Steps[0].Params["message"])
}

func TestNumericCoercion(t *testing.T) {
	res := Verify([]Step{
		{Action: "withdraw_money", Params: map[string]any{
			"phone_number": "+254711000111", "amount": "2500",
		}},
	}, nil)

	assert.Equal(t, 2500.0, res.Steps[0].Params["amount"])
}

func TestSearchSwappedBeforeBooking(t *testing.T) {
	res := Verify([]Step{
		{Action: "book_flight", Params: map[string]any{}},
		{Action: "search_flights", Params: map[string]any{
			"origin": "NBO", "destination": "LHR", "departure_date": "2026-09-01",
		}},
	}, nil)

	assert.Equal(t, "search_flights", res.Steps[0].Action)
	assert.Equal(t, "book_flight", res.Steps[1].Action)
}

func TestDeliveryStepMovedToEnd(t *testing.T) {
	res := Verify([]Step{
		{Action: "send_email", Params: map[string]any{
			"to": "a@b.com", "subject": "flights", "text": AutoSummary,
		}},
		{Action: "search_flights", Params: map[string]any{
			"origin": "NBO", "destination": "LHR", "departure_date": "2026-09-01",
		}},
	}, nil)

	require.Equal(t, VerdictApprove, res.Verdict)
	assert.Equal(t, "search_flights", res.Steps[0].Action)
	assert.Equal(t, "send_email", res.Steps[1].Action)
}

func TestDeliveryReferencingResultsMoved(t *testing.T) {
	res := Verify([]Step{
		{Action: "send_whatsapp", Params: map[string]any{
			"phone_number": "+254711000111", "message": "here are the options we found",
		}},
		{Action: "search_hotels", Params: map[string]any{
			"destination": "Mombasa", "check_in_date": "2026-09-01", "check_out_date": "2026-09-03",
		}},
	}, nil)

	assert.Equal(t, "search_hotels", res.Steps[0].Action)
}

func TestMissingParamYieldsAskUser(t *testing.T) {
	res := Verify([]Step{
		{Action: "send_email", Params: map[string]any{"to": "a@b.com", "text": "hi"}},
	}, nil)

	assert.Equal(t, VerdictAskUser, res.Verdict)
	assert.Equal(t, "What should the subject line be?", res.Prompt)
}

func TestStandaloneBookingWithoutResultsAsksUser(t *testing.T) {
	res := Verify([]Step{
		{Action: "book_flight", Params: map[string]any{"item_id": "2"}},
	}, func(string) bool { return false })

	assert.Equal(t, VerdictAskUser, res.Verdict)
	assert.Contains(t, res.Prompt, "search")
}

func TestStandaloneBookingWithCachedResultsApproved(t *testing.T) {
	res := Verify([]Step{
		{Action: "book_flight", Params: map[string]any{"item_id": "2"}},
	}, func(action string) bool { return action == "search_flights" })

	assert.Equal(t, VerdictApprove, res.Verdict)
}

func TestVerifyIsIdempotent(t *testing.T) {
	first := Verify([]Step{
		{Action: "send_message", Params: map[string]any{"phone": "+254711000111", "text": AutoSummary}},
		{Action: "search_flights", Params: map[string]any{
			"origin": "NBO", "destination": "LHR", "departure_date": "2026-09-01",
		}},
		{Action: "book_flight", Params: map[string]any{}},
	}, nil)

	second := Verify(first.Steps, nil)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Steps, second.Steps)
}
