package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ActionInput struct {
	TicketID   string
	OperatorID string
	// CounterID, when set, must match the ticket's counter.
	CounterID string
	Notes     string
	Reason    string
}

// Recall re-announces a called ticket. called_at always moves forward.
func (e *Engine) Recall(ctx context.Context, input ActionInput) (models.Ticket, error) {
	return e.transition(ctx, store.ActionRecall, input, "", func(now time.Time, current models.Ticket) store.ConditionalUpdate {
		if current.CalledAt != nil && !now.After(*current.CalledAt) {
			now = current.CalledAt.Add(time.Microsecond)
		}
		return store.ConditionalUpdate{CalledAt: &now, CalledBy: input.OperatorID}
	})
}

func (e *Engine) StartServing(ctx context.Context, input ActionInput) (models.Ticket, error) {
	return e.transition(ctx, store.ActionStartServing, input, "", func(now time.Time, _ models.Ticket) store.ConditionalUpdate {
		return store.ConditionalUpdate{ServedAt: &now}
	})
}

func (e *Engine) Complete(ctx context.Context, input ActionInput) (models.Ticket, error) {
	return e.transition(ctx, store.ActionComplete, input, "", func(now time.Time, _ models.Ticket) store.ConditionalUpdate {
		return store.ConditionalUpdate{CompletedAt: &now, Notes: input.Notes}
	})
}

// Cancel ends a called or serving ticket. completed_at records when it ended
// and the reason becomes the notes; statistics only take service time from
// completed tickets.
func (e *Engine) Cancel(ctx context.Context, input ActionInput) (models.Ticket, error) {
	return e.cancel(ctx, input, "")
}

// cancel restricts the source status to only when it is set.
func (e *Engine) cancel(ctx context.Context, input ActionInput, only models.Status) (models.Ticket, error) {
	return e.transition(ctx, store.ActionCancel, input, only, func(now time.Time, _ models.Ticket) store.ConditionalUpdate {
		return store.ConditionalUpdate{CompletedAt: &now, Notes: cancelNotes(input.Reason, input.Notes)}
	})
}

func cancelNotes(reason, notes string) string {
	reason = strings.TrimSpace(reason)
	notes = strings.TrimSpace(notes)
	switch {
	case reason == "":
		return notes
	case notes == "":
		return reason
	default:
		return reason + ": " + notes
	}
}

type buildUpdate func(now time.Time, current models.Ticket) store.ConditionalUpdate

func (e *Engine) transition(ctx context.Context, action store.Action, input ActionInput, only models.Status, build buildUpdate) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "engine."+string(action), trace.WithAttributes(
		attribute.String("ticket_id", input.TicketID),
		attribute.String("operator_id", input.OperatorID),
	))
	defer func() { endSpan(span, err) }()

	input.TicketID = strings.TrimSpace(input.TicketID)
	input.CounterID = strings.TrimSpace(input.CounterID)
	if input.TicketID == "" {
		return models.Ticket{}, fmt.Errorf("%w: ticket_id is required", ErrInvalidInput)
	}
	target, _ := store.TargetStatus(action)

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTicket(ctx, input.TicketID)
		if err != nil {
			return err
		}
		if input.CounterID != "" && current.CounterID != input.CounterID {
			return fmt.Errorf("ticket %s belongs to counter %s: %w", current.TicketID, current.CounterID, store.ErrCounterMismatch)
		}
		if !store.ValidTransition(action, current.Status) || (only != "" && current.Status != only) {
			return &store.TransitionError{TicketID: current.TicketID, Action: action, Current: current.Status}
		}

		update := build(e.now(), current)
		update.TicketID = current.TicketID
		update.ExpectedStatus = current.Status
		update.Status = target

		ticket, err = tx.UpdateTicket(ctx, update)
		if err != nil {
			if errors.Is(err, store.ErrTxConflict) || !errors.Is(err, store.ErrConflict) {
				return err
			}
			latest, getErr := tx.GetTicket(ctx, input.TicketID)
			if getErr != nil {
				return getErr
			}
			return &store.TransitionError{TicketID: latest.TicketID, Action: action, Current: latest.Status}
		}
		return tx.AppendEvent(ctx, store.EventType(action), ticket, input.Reason)
	})
	if err != nil {
		var transitionErr *store.TransitionError
		if errors.As(err, &transitionErr) {
			e.logger.Info("transition rejected",
				zap.String("ticket_id", input.TicketID),
				zap.String("action", string(action)),
				zap.String("status", string(transitionErr.Current)),
			)
		}
		return models.Ticket{}, err
	}

	e.logger.Info("ticket transitioned",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("action", string(action)),
		zap.String("status", string(ticket.Status)),
		zap.String("operator_id", input.OperatorID),
	)
	return ticket, nil
}
