// Package engine owns every ticket state change: issuing tickets, calling
// the next one at a counter and moving called tickets through service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/ratelimit"
	"qms/antrian-service/internal/sequence"
	"qms/antrian-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrInvalidInput = errors.New("invalid input")

type Options struct {
	Location         *time.Location
	NumberWidth      int
	DispatchAttempts int
	CreateAttempts   int
	Now              func() time.Time
}

type Engine struct {
	store            store.TicketStore
	debouncer        ratelimit.Debouncer
	allocator        *sequence.Allocator
	logger           *zap.Logger
	tracer           trace.Tracer
	loc              *time.Location
	now              func() time.Time
	dispatchAttempts int
	createAttempts   int
}

func New(st store.TicketStore, debouncer ratelimit.Debouncer, logger *zap.Logger, options Options) *Engine {
	if debouncer == nil {
		debouncer = ratelimit.NewMemoryDebouncer(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	dispatchAttempts := options.DispatchAttempts
	if dispatchAttempts <= 0 {
		dispatchAttempts = 5
	}
	createAttempts := options.CreateAttempts
	if createAttempts <= 0 {
		createAttempts = 3
	}
	return &Engine{
		store:            st,
		debouncer:        debouncer,
		allocator:        sequence.NewAllocator(options.NumberWidth),
		logger:           logger.Named("engine"),
		tracer:           otel.Tracer("qms/antrian-service/engine"),
		loc:              loc,
		now:              func() time.Time { return now().UTC() },
		dispatchAttempts: dispatchAttempts,
		createAttempts:   createAttempts,
	}
}

// Today is the current service date in the facility time zone.
func (e *Engine) Today() string {
	return models.ServiceDateOf(e.now(), e.loc)
}

type CreateTicketInput struct {
	CounterID   string
	ServiceDate string
	RequestID   string
}

func (e *Engine) CreateTicket(ctx context.Context, input CreateTicketInput) (ticket models.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.CreateTicket", trace.WithAttributes(attribute.String("counter_id", input.CounterID)))
	defer func() { endSpan(span, err) }()

	input.CounterID = strings.TrimSpace(input.CounterID)
	input.RequestID = strings.TrimSpace(input.RequestID)
	if input.CounterID == "" {
		return models.Ticket{}, fmt.Errorf("%w: counter_id is required", ErrInvalidInput)
	}
	serviceDate := strings.TrimSpace(input.ServiceDate)
	if serviceDate == "" {
		serviceDate = e.Today()
	} else if _, err := models.ParseServiceDate(serviceDate); err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	info, err := e.store.LookupCounter(ctx, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !info.Active() {
		return models.Ticket{}, fmt.Errorf("counter %s: %w", input.CounterID, store.ErrCounterInactive)
	}
	input.CounterID = info.Counter.CounterID

	if input.RequestID != "" {
		if existing, found, err := e.findByRequestID(ctx, input.RequestID); err != nil {
			return models.Ticket{}, err
		} else if found {
			if err := sameRequest(existing, input); err != nil {
				return models.Ticket{}, err
			}
			return existing, nil
		}
	}

	allowed, err := e.debouncer.Acquire(ctx, input.CounterID)
	if err != nil {
		e.logger.Warn("debounce unavailable, allowing create", zap.String("counter_id", input.CounterID), zap.Error(err))
		allowed = true
	}
	if !allowed {
		return models.Ticket{}, fmt.Errorf("counter %s: %w", input.CounterID, store.ErrRateLimited)
	}
	defer func() {
		if err == nil {
			return
		}
		// Nothing was issued, so the kiosk may retry right away.
		if releaseErr := e.debouncer.Release(context.WithoutCancel(ctx), input.CounterID); releaseErr != nil {
			e.logger.Warn("debounce release failed", zap.String("counter_id", input.CounterID), zap.Error(releaseErr))
		}
	}()

	for attempt := 1; ; attempt++ {
		ticket, err = e.insertTicket(ctx, input, serviceDate)
		if err == nil {
			e.logger.Info("ticket created",
				zap.String("ticket_id", ticket.TicketID),
				zap.String("counter_id", ticket.CounterID),
				zap.String("display_number", ticket.DisplayNumber),
				zap.String("service_date", ticket.ServiceDate),
			)
			return ticket, nil
		}
		if !errors.Is(err, store.ErrTxConflict) || attempt >= e.createAttempts {
			return models.Ticket{}, err
		}
		e.logger.Debug("create conflict, retrying", zap.String("counter_id", input.CounterID), zap.Int("attempt", attempt), zap.Error(err))
	}
}

// sameRequest rejects a request id replayed against a different counter or
// an explicitly different service date.
func sameRequest(existing models.Ticket, input CreateTicketInput) error {
	if existing.CounterID != input.CounterID {
		return fmt.Errorf("request %s issued ticket %s at counter %s: %w", input.RequestID, existing.TicketID, existing.CounterID, store.ErrRequestReused)
	}
	if date := strings.TrimSpace(input.ServiceDate); date != "" && date != existing.ServiceDate {
		return fmt.Errorf("request %s issued ticket %s for %s: %w", input.RequestID, existing.TicketID, existing.ServiceDate, store.ErrRequestReused)
	}
	return nil
}

func (e *Engine) insertTicket(ctx context.Context, input CreateTicketInput, serviceDate string) (models.Ticket, error) {
	var ticket models.Ticket
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		info, err := tx.LockCounter(ctx, input.CounterID)
		if err != nil {
			return err
		}
		if !info.Active() {
			return fmt.Errorf("counter %s: %w", input.CounterID, store.ErrCounterInactive)
		}
		if input.RequestID != "" {
			existing, found, err := tx.FindTicketByRequestID(ctx, input.RequestID)
			if err != nil {
				return err
			}
			if found {
				ticket = existing
				return sameRequest(existing, input)
			}
		}

		seq, number, err := e.allocator.Next(ctx, tx, info, serviceDate)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		ticket, err = tx.InsertTicket(ctx, models.Ticket{
			TicketID:      id.String(),
			RoomID:        info.Room.RoomID,
			CounterID:     info.Counter.CounterID,
			ServiceDate:   serviceDate,
			Sequence:      seq,
			DisplayNumber: number,
			Status:        models.StatusWaiting,
			RequestID:     input.RequestID,
			CreatedAt:     e.now(),
		})
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, store.EventCreated, ticket, "")
	})
	return ticket, err
}

func (e *Engine) findByRequestID(ctx context.Context, requestID string) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var found bool
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ticket, found, err = tx.FindTicketByRequestID(ctx, requestID)
		return err
	})
	return ticket, found, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
