// Package chaterr defines the error taxonomy shared across the chat core.
//
// Every subsystem tags failures with one of these kinds so that sessions,
// workflow steps and HTTP handlers can render them uniformly: short and
// actionable toward clients, full detail in logs only.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	Internal Kind = iota
	Unauthorized
	Forbidden
	NotFound
	RateLimited
	Muted
	Invalid
	BadEnvelope
	Tamper
	Unavailable
	Conflict
	Policy
)

// WebSocket close codes used at session accept time.
const (
	CloseUnauthenticated = 4001
	CloseSecureInitFail  = 4002
	CloseNotMember       = 4003
)

// Error carries a kind, a user-safe message and the underlying cause.
type Error struct {
	Kind    Kind
	Message string // safe to show to a client
	Err     error  // full detail, logs only
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error with a user-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap tags an underlying error with a kind and user-safe message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// UserMessage returns the client-facing text for an error. Internal errors
// are never leaked verbatim.
func UserMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "Something went wrong. Please try again."
}

// Sentinel errors for the common cases where no extra context is needed.
var (
	ErrBadEnvelope = New(BadEnvelope, "message envelope is malformed")
	ErrTamper      = New(Tamper, "message failed integrity check")
	ErrRateLimited = New(RateLimited, "Rate limit exceeded. Please try again shortly.")
	ErrMuted       = New(Muted, "You are muted in this room.")
	ErrNotFound    = New(NotFound, "not found")
	ErrDuplicate   = New(Conflict, "duplicate request")
	ErrUnavailable = New(Unavailable, "service temporarily unavailable")
)
