package store

import (
	"errors"
	"testing"

	"qms/antrian-service/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action Action
		from   models.Status
		valid  bool
	}{
		{ActionCall, models.StatusWaiting, true},
		{ActionCall, models.StatusCalled, false},
		{ActionRecall, models.StatusCalled, true},
		{ActionRecall, models.StatusServing, false},
		{ActionRecall, models.StatusWaiting, false},
		{ActionStartServing, models.StatusCalled, true},
		{ActionStartServing, models.StatusWaiting, false},
		{ActionComplete, models.StatusServing, true},
		{ActionComplete, models.StatusCalled, false},
		{ActionCancel, models.StatusCalled, true},
		{ActionCancel, models.StatusServing, true},
		{ActionCancel, models.StatusWaiting, false},
		{ActionCancel, models.StatusCompleted, false},
		{ActionCancel, models.StatusCancelled, false},
		{ActionComplete, models.StatusCompleted, false},
		{Action("unknown"), models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for action := range transitionMap {
		for _, status := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
			if ValidTransition(action, status) {
				t.Fatalf("%s allowed from terminal status %s", action, status)
			}
		}
	}
}

func TestTransitionErrorUnwrap(t *testing.T) {
	err := error(&TransitionError{TicketID: "t1", Action: ActionComplete, Current: models.StatusCalled})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) || transitionErr.Current != models.StatusCalled {
		t.Fatalf("expected current status to be carried, got %v", err)
	}
	if !errors.Is(ErrTxConflict, ErrConflict) {
		t.Fatalf("tx conflict must also be a conflict")
	}
}
