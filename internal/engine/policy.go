package engine

import (
	"context"
	"fmt"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"

	"go.uber.org/zap"
)

// RecallPolicy cancels a called ticket once it has been recalled Limit
// times. The count comes from the ticket's event history; the state
// machine itself never cancels on its own.
type RecallPolicy struct {
	engine *Engine
	events store.TicketReader
	limit  int
}

func NewRecallPolicy(engine *Engine, events store.TicketReader, limit int) *RecallPolicy {
	return &RecallPolicy{engine: engine, events: events, limit: limit}
}

func (p *RecallPolicy) Recall(ctx context.Context, input ActionInput) (models.Ticket, error) {
	if p.limit <= 0 {
		return p.engine.Recall(ctx, input)
	}
	events, err := p.events.ListTicketEvents(ctx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	recalls := 0
	for _, event := range events {
		if event.Type == store.EventRecalled {
			recalls++
		}
	}
	if recalls < p.limit {
		return p.engine.Recall(ctx, input)
	}

	input.Reason = fmt.Sprintf("no response after %d recalls", recalls)
	p.engine.logger.Info("recall limit reached, cancelling",
		zap.String("ticket_id", input.TicketID),
		zap.Int("recalls", recalls),
	)
	return p.engine.cancel(ctx, input, models.StatusCalled)
}
