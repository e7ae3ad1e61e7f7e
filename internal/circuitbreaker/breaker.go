// Package circuitbreaker shields outbound connectors from a failing
// upstream. A breaker wraps one adapter: repeated failures open the
// circuit and calls are rejected locally until a probe succeeds.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/korvo-chat/backend/internal/adapters"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// OpenMessage is the error a rejected call carries. It is retryable: the
// workflow engine's backoff naturally spaces probes out.
const OpenMessage = "service is temporarily unavailable, trying again shortly"

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default 5.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe call is
	// let through. Default 30 s.
	Cooldown time.Duration
	// ProbeSuccesses is how many consecutive probe successes close the
	// circuit again. Default 2.
	ProbeSuccesses int
}

func (c *Config) defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeSuccesses == 0 {
		c.ProbeSuccesses = 2
	}
}

// Breaker wraps an adapter with circuit-breaking. Permanent errors (policy
// rejections, unsupported actions) do not count against the circuit; only
// transient failures do.
type Breaker struct {
	inner adapters.Adapter
	cfg   Config
	log   *slog.Logger

	mu        sync.Mutex
	state     state
	failures  int
	successes int
	openedAt  time.Time
	probing   bool

	now func() time.Time
}

func Wrap(inner adapters.Adapter, cfg Config, log *slog.Logger) *Breaker {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{inner: inner, cfg: cfg, log: log, now: time.Now}
}

func (b *Breaker) Service() string { return b.inner.Service() }

func (b *Breaker) Execute(ctx context.Context, action string, params map[string]any, call adapters.Call) adapters.Result {
	if !b.admit() {
		return adapters.Errorf(OpenMessage)
	}

	res := b.inner.Execute(ctx, action, params, call)
	b.record(res.OK() || res.Permanent())
	return res
}

// admit decides whether the call may proceed, moving an expired open
// circuit to half-open. At most one probe is in flight at a time.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return true
	case open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transition(halfOpen)
		b.probing = true
		return true
	default: // halfOpen
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if ok {
		b.failures = 0
		if b.state == halfOpen {
			b.successes++
			if b.successes >= b.cfg.ProbeSuccesses {
				b.transition(closed)
			}
		}
		return
	}

	b.successes = 0
	switch b.state {
	case halfOpen:
		b.openedAt = b.now()
		b.transition(open)
	case closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(open)
		}
	}
}

func (b *Breaker) transition(to state) {
	if b.state == to {
		return
	}
	b.log.Warn("circuit state change", "service", b.inner.Service(), "from", b.state.String(), "to", to.String())
	b.state = to
	b.failures = 0
	b.successes = 0
}

var _ adapters.Adapter = (*Breaker)(nil)
