// Package ratelimit enforces per-user, per-action sliding-window quotas
// backed by the shared kv store, so limits hold across hub instances.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scope identifies a rate-limited action class.
type Scope string

const (
	ScopeChatMessages  Scope = "chat_messages"
	ScopeFileUploads   Scope = "file_uploads"
	ScopeOrchestration Scope = "orchestration"
	ScopeTravelSearch  Scope = "travel_search"
)

// Limit is a ceiling over a window.
type Limit struct {
	Ceiling int
	Window  time.Duration
}

// DefaultLimits mirrors the product quotas: 30 chat messages and file
// uploads per minute (shared bucket), 100 orchestration calls and 100
// travel searches per hour.
var DefaultLimits = map[Scope]Limit{
	ScopeChatMessages:  {Ceiling: 30, Window: time.Minute},
	ScopeFileUploads:   {Ceiling: 30, Window: time.Minute},
	ScopeOrchestration: {Ceiling: 100, Window: time.Hour},
	ScopeTravelSearch:  {Ceiling: 100, Window: time.Hour},
}

// Counter is the subset of kv.Store the gate needs.
type Counter interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Gate checks and increments quota counters.
type Gate struct {
	counter Counter
	limits  map[Scope]Limit

	mu        sync.Mutex
	providers map[Scope][]string

	// now is overridable in tests.
	now func() time.Time
}

// New creates a gate with the given limits; nil means DefaultLimits.
func New(counter Counter, limits map[Scope]Limit) *Gate {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Gate{counter: counter, limits: limits, providers: map[Scope][]string{}, now: time.Now}
}

// RegisterProvider announces a provider name for a per-provider scope so
// quota reporting can enumerate its buckets.
func (g *Gate) RegisterProvider(scope Scope, provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.providers[scope] {
		if p == provider {
			return
		}
	}
	g.providers[scope] = append(g.providers[scope], provider)
}

// bucketKey buckets by window so two instances agree on the same counter.
// Chat messages and file uploads share one bucket.
func (g *Gate) bucketKey(scope Scope, user string, window time.Duration) string {
	sharedScope := scope
	if scope == ScopeFileUploads {
		sharedScope = ScopeChatMessages
	}
	bucket := g.now().Unix() / int64(window.Seconds())
	return fmt.Sprintf("korvo:rate:%s:%s:%d", sharedScope, user, bucket)
}

// Allow atomically increments the counter for (scope, user) and reports
// whether the request is within the ceiling. Once the bucket meets its
// ceiling, further calls return false until the window rolls over.
func (g *Gate) Allow(ctx context.Context, scope Scope, user string) (bool, error) {
	limit, ok := g.limits[scope]
	if !ok {
		return true, nil
	}
	key := g.bucketKey(scope, user, limit.Window)
	n, err := g.counter.IncrWindow(ctx, key, limit.Window)
	if err != nil {
		return false, fmt.Errorf("rate incr: %w", err)
	}
	return n <= int64(limit.Ceiling), nil
}

// AllowProvider enforces a scope whose budget is tracked separately per
// external provider. Each (user, provider) pair gets its own counter.
func (g *Gate) AllowProvider(ctx context.Context, scope Scope, user, provider string) (bool, error) {
	if provider == "" {
		return g.Allow(ctx, scope, user)
	}
	return g.Allow(ctx, scope, user+":"+provider)
}

// QuotaStatus reports the remaining allowance for one scope.
type QuotaStatus struct {
	Scope     Scope  `json:"scope"`
	Provider  string `json:"provider,omitempty"`
	Ceiling   int    `json:"ceiling"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

// Quotas reads current usage for every configured scope without
// incrementing anything. Per-provider scopes report one row per
// registered provider.
func (g *Gate) Quotas(ctx context.Context, user string) ([]QuotaStatus, error) {
	out := make([]QuotaStatus, 0, len(g.limits))
	for scope, limit := range g.limits {
		g.mu.Lock()
		providers := append([]string(nil), g.providers[scope]...)
		g.mu.Unlock()
		if len(providers) == 0 {
			out = append(out, g.status(ctx, scope, user, "", limit))
			continue
		}
		for _, p := range providers {
			out = append(out, g.status(ctx, scope, user+":"+p, p, limit))
		}
	}
	return out, nil
}

func (g *Gate) status(ctx context.Context, scope Scope, subject, provider string, limit Limit) QuotaStatus {
	key := g.bucketKey(scope, subject, limit.Window)
	used := 0
	if raw, err := g.counter.Get(ctx, key); err == nil {
		used = decodeCount(raw)
	}
	remaining := limit.Ceiling - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaStatus{Scope: scope, Provider: provider, Ceiling: limit.Ceiling, Used: used, Remaining: remaining}
}

// decodeCount tolerates both the redis string form ("17") and the memory
// store's big-endian byte form.
func decodeCount(raw []byte) int {
	n := 0
	ascii := true
	for _, b := range raw {
		if b < '0' || b > '9' {
			ascii = false
			break
		}
	}
	if ascii && len(raw) > 0 {
		for _, b := range raw {
			n = n*10 + int(b-'0')
		}
		return n
	}
	for _, b := range raw {
		n = n<<8 | int(b)
	}
	return n
}
