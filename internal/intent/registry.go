// Package intent turns free-form user utterances into structured intents:
// an action from a closed registry, its parameters, a confidence score, and
// the list of required slots still missing.
package intent

import "fmt"

// ActionSpec describes one supported action.
type ActionSpec struct {
	Name     string
	Service  string
	Category string
	// Required lists the slot names that must be present before dispatch.
	Required []string
	// Numeric lists params whose values are coerced to numbers.
	Numeric []string
	// NeedsOption marks actions that consume an item from a prior search
	// result set. ResultAction names the search whose results satisfy it.
	NeedsOption  bool
	ResultAction string
	// ProducesResults marks search actions whose output is cached as a
	// result set for follow-ups like "book option 2".
	ProducesResults bool
	// BodyParam names the free-text parameter that summary shorthand
	// ("send it to ...") fills in, if the action has one.
	BodyParam string
}

// GeneralChat is the catch-all action for utterances with no command.
const GeneralChat = "general_chat"

var registry = map[string]ActionSpec{
	"send_email": {
		Name: "send_email", Service: "email", Category: "communication",
		Required:  []string{"to", "subject", "text"},
		BodyParam: "text",
	},
	"send_whatsapp": {
		Name: "send_whatsapp", Service: "whatsapp", Category: "communication",
		Required:  []string{"phone_number", "message"},
		BodyParam: "message",
	},
	"withdraw_money": {
		Name: "withdraw_money", Service: "payments", Category: "payments",
		Required: []string{"phone_number", "amount"},
		Numeric:  []string{"amount"},
	},
	"create_invoice": {
		Name: "create_invoice", Service: "payments", Category: "payments",
		Required: []string{"to", "amount", "description"},
		Numeric:  []string{"amount"},
	},
	"search_flights": {
		Name: "search_flights", Service: "travel", Category: "travel",
		Required:        []string{"origin", "destination", "departure_date"},
		ProducesResults: true,
	},
	"book_flight": {
		Name: "book_flight", Service: "travel", Category: "travel",
		Required:    []string{"item_id"},
		NeedsOption: true, ResultAction: "search_flights",
	},
	"search_hotels": {
		Name: "search_hotels", Service: "travel", Category: "travel",
		Required:        []string{"destination", "check_in_date", "check_out_date"},
		ProducesResults: true,
	},
	"book_hotel": {
		Name: "book_hotel", Service: "travel", Category: "travel",
		Required:    []string{"item_id"},
		NeedsOption: true, ResultAction: "search_hotels",
	},
	"create_reminder": {
		Name: "create_reminder", Service: "calendar", Category: "reminders",
		Required: []string{"title", "remind_at"},
	},
	"create_event": {
		Name: "create_event", Service: "calendar", Category: "reminders",
		Required: []string{"title", "start_time"},
	},
	GeneralChat: {
		Name: GeneralChat, Service: "assistant", Category: "chat",
	},
}

// aliases maps obsolete or colloquial action names onto registry names.
var aliases = map[string]string{
	"send_message":  "send_whatsapp",
	"send_sms":      "send_whatsapp",
	"email":         "send_email",
	"whatsapp":      "send_whatsapp",
	"withdraw":      "withdraw_money",
	"remind_me":     "create_reminder",
	"flight_search": "search_flights",
	"hotel_search":  "search_hotels",
	"chat":          GeneralChat,
}

// slotPrompts is the canned clarifying-question table, keyed by slot name.
var slotPrompts = map[string]string{
	"to":             "Who should I send it to?",
	"subject":        "What should the subject line be?",
	"text":           "What should the message say?",
	"message":        "What should the message say?",
	"phone_number":   "Which phone number should I use?",
	"amount":         "How much?",
	"description":    "What is this for?",
	"origin":         "Where are you departing from?",
	"destination":    "Where to?",
	"departure_date": "What departure date should I use? (YYYY-MM-DD)",
	"check_in_date":  "What check-in date should I use? (YYYY-MM-DD)",
	"check_out_date": "What check-out date should I use? (YYYY-MM-DD)",
	"item_id":        "Which option number would you like?",
	"title":          "What should I call it?",
	"remind_at":      "When should I remind you? (YYYY-MM-DD HH:MM)",
	"start_time":     "When does it start? (YYYY-MM-DD HH:MM)",
	"option_context": "I don't have search results to pick from yet. Run a search first and I'll take it from there.",
}

// Lookup returns the spec for an action after alias resolution.
func Lookup(action string) (ActionSpec, bool) {
	if canonical, ok := aliases[action]; ok {
		action = canonical
	}
	spec, ok := registry[action]
	return spec, ok
}

// CanonicalAction resolves aliases without checking registry membership.
func CanonicalAction(action string) string {
	if canonical, ok := aliases[action]; ok {
		return canonical
	}
	return action
}

// Actions returns the registry for prompt construction and verification.
func Actions() map[string]ActionSpec {
	return registry
}

// SlotPrompt returns the clarifying question for a missing slot.
func SlotPrompt(slot string) string {
	if p, ok := slotPrompts[slot]; ok {
		return p
	}
	return fmt.Sprintf("What should I use for %s?", slot)
}

// MissingSlots computes required slots absent or empty in params.
func MissingSlots(spec ActionSpec, params map[string]any) []string {
	var missing []string
	for _, slot := range spec.Required {
		v, ok := params[slot]
		if !ok || v == nil {
			missing = append(missing, slot)
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			missing = append(missing, slot)
		}
	}
	return missing
}
