package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for a service and can mint a fresh
// one after a 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for non-expiring API keys. Refresh returns
// the same key; a second 401 then surfaces as an error.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error)   { return string(s), nil }
func (s StaticToken) Refresh(context.Context) (string, error) { return string(s), nil }

// Endpoint binds an action to a service path.
type Endpoint struct {
	Path string
	// Delivery marks actions with external side effects; they get an
	// Idempotency-Key header so replays are deduplicated server-side.
	Delivery bool
}

// REST is the shared implementation behind the concrete service adapters:
// POST JSON to an endpoint, refresh-and-retry once on 401, normalize the
// response into a Result.
type REST struct {
	service   string
	baseURL   string
	tokens    TokenSource
	endpoints map[string]Endpoint
	client    *http.Client
	logger    *log.Logger
}

func NewREST(service, baseURL string, tokens TokenSource, endpoints map[string]Endpoint) *REST {
	return &REST{
		service:   service,
		baseURL:   strings.TrimRight(baseURL, "/"),
		tokens:    tokens,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    log.New(os.Stdout, "[ADAPTER:"+strings.ToUpper(service)+"] ", log.LstdFlags),
	}
}

// WithClient overrides the HTTP client (tests).
func (r *REST) WithClient(c *http.Client) *REST {
	r.client = c
	return r
}

func (r *REST) Service() string { return r.service }

func (r *REST) Execute(ctx context.Context, action string, params map[string]any, call Call) Result {
	ep, ok := r.endpoints[action]
	if !ok {
		return Errorf("unsupported")
	}

	body, err := json.Marshal(map[string]any{
		"action":  action,
		"params":  params,
		"user_id": call.UserID,
		"room_id": call.RoomID,
	})
	if err != nil {
		return Errorf("encode request: " + err.Error())
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return Errorf(r.redact(token, "credentials unavailable: "+err.Error()))
	}

	res, status, err := r.post(ctx, ep, body, token, call)
	if status == http.StatusUnauthorized {
		fresh, rerr := r.tokens.Refresh(ctx)
		if rerr != nil || fresh == token {
			return Errorf("authentication failed")
		}
		r.logger.Printf("refreshed credentials for %s after 401", action)
		token = fresh
		res, status, err = r.post(ctx, ep, body, token, call)
	}
	if err != nil {
		return Errorf(r.redact(token, err.Error()))
	}
	if status == http.StatusUnauthorized {
		return Errorf("authentication failed")
	}
	if status >= 400 {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("%s returned HTTP %d", r.service, status)
		}
		return Errorf(r.redact(token, msg))
	}
	if res.Status == "" {
		res.Status = StatusSuccess
	}
	return res
}

func (r *REST) post(ctx context.Context, ep Endpoint, body []byte, token string, call Call) (Result, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+ep.Path, bytes.NewReader(body))
	if err != nil {
		return Result{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if ep.Delivery && call.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", call.IdempotencyKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, resp.StatusCode, err
	}

	var res Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			if resp.StatusCode < 400 {
				return Result{}, resp.StatusCode, fmt.Errorf("malformed response from %s", r.service)
			}
			return Result{}, resp.StatusCode, nil
		}
	}
	return res, resp.StatusCode, nil
}

// redact scrubs the bearer token out of an error string before it can reach
// a user or a stored execution context.
func (r *REST) redact(token, msg string) string {
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, "[redacted]")
}

// ============================================================================
// Concrete services
// ============================================================================

func NewEmail(baseURL string, tokens TokenSource) *REST {
	return NewREST("email", baseURL, tokens, map[string]Endpoint{
		"send_email": {Path: "/messages/send", Delivery: true},
	})
}

func NewWhatsApp(baseURL string, tokens TokenSource) *REST {
	return NewREST("whatsapp", baseURL, tokens, map[string]Endpoint{
		"send_whatsapp": {Path: "/messages", Delivery: true},
	})
}

func NewPayments(baseURL string, tokens TokenSource) *REST {
	return NewREST("payments", baseURL, tokens, map[string]Endpoint{
		"withdraw_money": {Path: "/withdrawals", Delivery: true},
		"create_invoice": {Path: "/invoices", Delivery: true},
	})
}

func NewTravel(baseURL string, tokens TokenSource) *REST {
	return NewREST("travel", baseURL, tokens, map[string]Endpoint{
		"search_flights": {Path: "/flights/search"},
		"book_flight":    {Path: "/flights/book", Delivery: true},
		"search_hotels":  {Path: "/hotels/search"},
		"book_hotel":     {Path: "/hotels/book", Delivery: true},
	})
}

func NewCalendar(baseURL string, tokens TokenSource) *REST {
	return NewREST("calendar", baseURL, tokens, map[string]Endpoint{
		"create_reminder": {Path: "/reminders"},
		"create_event":    {Path: "/events"},
	})
}
