package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type CallNextInput struct {
	CounterID  string
	OperatorID string
}

// CallNext claims the oldest waiting ticket of today for the counter. A
// counter holds at most one called or serving ticket; while it does,
// CallNext fails with store.ErrCounterBusy.
func (e *Engine) CallNext(ctx context.Context, input CallNextInput) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.CallNext", trace.WithAttributes(
		attribute.String("counter_id", input.CounterID),
		attribute.String("operator_id", input.OperatorID),
	))
	defer func() { endSpan(span, err) }()

	input.CounterID = strings.TrimSpace(input.CounterID)
	input.OperatorID = strings.TrimSpace(input.OperatorID)
	if input.CounterID == "" {
		return models.Ticket{}, fmt.Errorf("%w: counter_id is required", ErrInvalidInput)
	}
	if input.OperatorID == "" {
		return models.Ticket{}, fmt.Errorf("%w: operator_id is required", ErrInvalidInput)
	}

	serviceDate := e.Today()
	for attempt := 1; ; attempt++ {
		ticket, err = e.claimNext(ctx, input, serviceDate)
		if err == nil {
			span.SetAttributes(attribute.String("ticket_id", ticket.TicketID), attribute.Int("attempts", attempt))
			e.logger.Info("ticket called",
				zap.String("ticket_id", ticket.TicketID),
				zap.String("counter_id", ticket.CounterID),
				zap.String("display_number", ticket.DisplayNumber),
				zap.String("operator_id", input.OperatorID),
			)
			return ticket, nil
		}
		if !errors.Is(err, store.ErrTxConflict) || attempt >= e.dispatchAttempts {
			return models.Ticket{}, err
		}
		e.logger.Debug("call next conflict, retrying", zap.String("counter_id", input.CounterID), zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (e *Engine) claimNext(ctx context.Context, input CallNextInput, serviceDate string) (models.Ticket, error) {
	var claimed models.Ticket
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockCounter(ctx, input.CounterID); err != nil {
			return err
		}
		active, busy, err := tx.ActiveTicket(ctx, input.CounterID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("counter %s holds %s (%s): %w", input.CounterID, active.DisplayNumber, active.Status, store.ErrCounterBusy)
		}

		var exclude []string
		for i := 0; i < e.dispatchAttempts; i++ {
			candidate, found, err := tx.NextWaiting(ctx, input.CounterID, serviceDate, exclude)
			if err != nil {
				return err
			}
			if !found {
				return store.ErrNoWaitingTicket
			}

			calledAt := e.now()
			claimed, err = tx.UpdateTicket(ctx, store.ConditionalUpdate{
				TicketID:       candidate.TicketID,
				ExpectedStatus: models.StatusWaiting,
				Status:         models.StatusCalled,
				CalledAt:       &calledAt,
				CalledBy:       input.OperatorID,
			})
			if err == nil {
				return tx.AppendEvent(ctx, store.EventCalled, claimed, "")
			}
			if errors.Is(err, store.ErrTxConflict) || !errors.Is(err, store.ErrConflict) {
				return err
			}
			exclude = append(exclude, candidate.TicketID)
		}
		return store.ErrNoWaitingTicket
	})
	return claimed, err
}
