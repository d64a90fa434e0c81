package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for requests that fail validation (empty body, bad ids, ...).
	ErrInvalidInput = errors.New("invalid input")

	// ErrConversationNotFound is returned when the referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationArchived is returned when appending to an archived conversation.
	ErrConversationArchived = errors.New("conversation archived")

	// ErrInvalidTransition is returned for status changes outside the state machine.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStoreUnavailable marks a failed durable read or write.
	// It is the only class that must reach callers of Append / GetOrCreate as a failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTransportUnavailable marks a push-path failure. It is logged and
	// compensated by the pull path, never surfaced to end users.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// errStaleStatus is returned by stores when a compare-and-set status update
	// lost a race. SessionManager retries on it.
	errStaleStatus = errors.New("stale status")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above; Err carries the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	ConversationID string
	From           Status
	To             Status
	Role           Role
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s by %s (conversation %s)", ErrInvalidTransition, e.From, e.To, e.Role, e.ConversationID)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidInput(op, msg string) error {
	return &OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// storeFailure classifies a store error. Domain sentinels pass through untouched;
// everything else becomes ErrStoreUnavailable so callers never mistake a failed
// durable write for success.
func storeFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrConversationNotFound),
		errors.Is(err, ErrConversationArchived),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, errStaleStatus):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return &OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}

// IsNotFound reports whether err represents ErrConversationNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrConversationNotFound) }

// IsArchived reports whether err represents ErrConversationArchived.
func IsArchived(err error) bool { return errors.Is(err, ErrConversationArchived) }

// IsInvalidTransition reports whether err represents ErrInvalidTransition.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsStoreUnavailable reports whether err represents ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// Code returns the stable error code shown to clients for err.
func Code(err error) string {
	switch {
	case IsInvalidInput(err):
		return "invalid_input"
	case IsNotFound(err):
		return "not_found"
	case IsArchived(err):
		return "conversation_archived"
	case IsInvalidTransition(err):
		return "invalid_transition"
	case IsStoreUnavailable(err):
		return "store_unavailable"
	default:
		return "internal"
	}
}
