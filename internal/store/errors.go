package store

import (
	"errors"
	"fmt"

	"qms/antrian-service/internal/models"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrCounterNotFound  = errors.New("counter not found")
	ErrCounterInactive  = errors.New("counter inactive")
	ErrCounterMismatch  = errors.New("counter mismatch")
	ErrCounterBusy      = errors.New("counter busy")
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrInvalidState     = errors.New("invalid ticket state")
	ErrNoWaitingTicket  = errors.New("no waiting ticket")
	ErrRateLimited      = errors.New("rate limited")
	ErrSequenceOverflow = errors.New("sequence overflow")
	ErrConflict         = errors.New("concurrent update conflict")
	ErrBrokenChain      = errors.New("ticket event chain broken")
	ErrRequestReused    = errors.New("request id already used for another ticket")
)

// ErrTxConflict marks a transaction the database aborted (serialization
// failure, deadlock, unique violation). The whole transaction must be rerun.
var ErrTxConflict = fmt.Errorf("%w: transaction aborted", ErrConflict)

type TransitionError struct {
	TicketID string
	Action   Action
	Current  models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ticket %s: cannot %s while %s", e.TicketID, e.Action, e.Current)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidState
}
