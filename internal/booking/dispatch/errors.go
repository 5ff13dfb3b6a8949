package dispatch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies dispatch failures.
type Kind string

const (
	KindInvalidBookingState Kind = "InvalidBookingState"
	KindNoTaxiFound         Kind = "NoTaxiFound"
	KindCancelled           Kind = "Cancelled"
	KindAlreadyDispatching  Kind = "AlreadyDispatching"
	KindStaleReply          Kind = "StaleReply"
	KindAborted             Kind = "Aborted"
)

var (
	ErrInvalidBookingState = errors.New("booking not in a dispatchable state")
	ErrNoTaxiFound         = errors.New("no taxi found")
	ErrCancelled           = errors.New("dispatch cancelled")
	ErrAlreadyDispatching  = errors.New("booking already dispatching")
	ErrStaleReply          = errors.New("no outstanding offer for reply")
	ErrAborted             = errors.New("dispatch aborted")
)

var sentinels = map[Kind]error{
	KindInvalidBookingState: ErrInvalidBookingState,
	KindNoTaxiFound:         ErrNoTaxiFound,
	KindCancelled:           ErrCancelled,
	KindAlreadyDispatching:  ErrAlreadyDispatching,
	KindStaleReply:          ErrStaleReply,
	KindAborted:             ErrAborted,
}

// Error is returned by the engine for dispatch outcomes other than success.
type Error struct {
	Kind      Kind
	BookingID uuid.UUID
	Err       error
}

func newError(kind Kind, id uuid.UUID, cause error) *Error {
	return &Error{Kind: kind, BookingID: id, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("booking %s: %s", e.BookingID, sentinels[e.Kind])
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}
