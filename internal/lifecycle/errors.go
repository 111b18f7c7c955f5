package lifecycle

import (
	"errors"
	"fmt"

	"billingsync/internal/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict: record changed concurrently")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUpstreamUnavailable = errors.New("billing provider unavailable")
	ErrProviderRejected    = errors.New("billing provider rejected the request")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
)

// TransitionError explains why an event cannot apply to a record.
// Deferred is set when the same request may succeed after the current period ends.
type TransitionError struct {
	From     models.SubscriptionStatus
	Event    EventKind
	Reason   string
	Deferred bool
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("%s rejected: %s", e.Event, e.Reason)
	}
	return fmt.Sprintf("%s rejected from %s: %s", e.Event, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func notAllowed(from models.SubscriptionStatus, kind EventKind, reason string) error {
	return &TransitionError{From: from, Event: kind, Reason: reason}
}

func deferredToPeriodEnd(from models.SubscriptionStatus, kind EventKind) error {
	return &TransitionError{
		From:     from,
		Event:    kind,
		Reason:   "plan change deferred to period end, schedule it instead",
		Deferred: true,
	}
}

// IsDeferred reports whether err is a transition rejection the caller may retry after the period ends
func IsDeferred(err error) bool {
	var te *TransitionError
	return errors.As(err, &te) && te.Deferred
}
