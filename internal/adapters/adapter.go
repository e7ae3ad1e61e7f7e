// Package adapters wraps outbound services behind one uniform contract.
// Each adapter normalizes its service's responses into a Result, handles its
// own credential refresh, and redacts secrets from anything it returns.
// Adapters are safe for concurrent use and hold no per-call state.
package adapters

import "context"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the normalized outcome of one adapter call.
type Result struct {
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
	Data     map[string]any   `json:"data,omitempty"`
	Results  []map[string]any `json:"results,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// OK reports success.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Errorf builds an error result.
func Errorf(msg string) Result { return Result{Status: StatusError, Error: msg} }

// PermanentError builds an error result that retrying cannot fix (policy
// violations, unsupported actions). Executors skip their retry budget
// when Permanent reports true.
func PermanentError(msg string) Result {
	return Result{Status: StatusError, Error: msg, Metadata: map[string]any{"permanent": true}}
}

// Permanent reports whether the result is a non-retryable error.
func (r Result) Permanent() bool {
	if r.Metadata == nil {
		return false
	}
	v, _ := r.Metadata["permanent"].(bool)
	return v
}

// Call carries per-invocation context an adapter may need.
type Call struct {
	UserID string
	RoomID int64
	// IdempotencyKey is set for delivery steps so a replayed step does not
	// repeat its side effect.
	IdempotencyKey string
}

// Adapter is the contract the dispatcher programs against.
type Adapter interface {
	Service() string
	Execute(ctx context.Context, action string, params map[string]any, call Call) Result
}

// Registry maps service names to adapters.
type Registry struct {
	byService map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byService: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.byService[a.Service()] = a
	}
	return r
}

func (r *Registry) Register(a Adapter) { r.byService[a.Service()] = a }

func (r *Registry) Lookup(service string) (Adapter, bool) {
	a, ok := r.byService[service]
	return a, ok
}
