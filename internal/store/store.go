package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/antrian-service/internal/models"
)

type CounterInfo struct {
	Counter models.Counter
	Room    models.Room
}

// Active reports whether new tickets may be issued for the counter.
func (c CounterInfo) Active() bool {
	return c.Counter.Active && c.Room.Active
}

// ConditionalUpdate moves a ticket to Status only while it still holds
// ExpectedStatus. Nil timestamps and empty strings leave columns untouched.
type ConditionalUpdate struct {
	TicketID       string
	ExpectedStatus models.Status
	Status         models.Status
	CalledAt       *time.Time
	CalledBy       string
	ServedAt       *time.Time
	CompletedAt    *time.Time
	Notes          string
}

func (u ConditionalUpdate) Apply(ticket models.Ticket) models.Ticket {
	ticket.Status = u.Status
	if u.CalledAt != nil {
		calledAt := *u.CalledAt
		ticket.CalledAt = &calledAt
	}
	if u.CalledBy != "" {
		ticket.CalledBy = u.CalledBy
	}
	if u.ServedAt != nil {
		servedAt := *u.ServedAt
		ticket.ServedAt = &servedAt
	}
	if u.CompletedAt != nil {
		completedAt := *u.CompletedAt
		ticket.CompletedAt = &completedAt
	}
	if u.Notes != "" {
		ticket.Notes = u.Notes
	}
	return ticket
}

type TicketOrder int

const (
	// OrderQueue is FIFO by created_at with ticket_id as tie-breaker.
	OrderQueue TicketOrder = iota
	OrderCalledDesc
	OrderCompletedDesc
)

type TicketFilter struct {
	CounterID string
	RoomID    string
	// From and To are inclusive service dates; empty means unbounded.
	From     string
	To       string
	Statuses []models.Status
	Order    TicketOrder
	Limit    int
}

// Tx is the unit of work handed to WithTx. Every write happens inside one.
type Tx interface {
	LockCounter(ctx context.Context, counterID string) (CounterInfo, error)
	MaxSequence(ctx context.Context, counterID, serviceDate string) (int, error)
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	FindTicketByRequestID(ctx context.Context, requestID string) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	NextWaiting(ctx context.Context, counterID, serviceDate string, exclude []string) (models.Ticket, bool, error)
	UpdateTicket(ctx context.Context, update ConditionalUpdate) (models.Ticket, error)
	AppendEvent(ctx context.Context, eventType string, ticket models.Ticket, reason string) error
}

type Directory interface {
	LookupCounter(ctx context.Context, counterID string) (CounterInfo, error)
	ListRoomCounters(ctx context.Context, roomID string) ([]models.Counter, error)
}

type TicketReader interface {
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	FindTicketsByNumber(ctx context.Context, displayNumber, serviceDate string) ([]models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type OutboxStore interface {
	ListOutboxEvents(ctx context.Context, after OutboxOffset, until time.Time, limit int) ([]OutboxEvent, error)
	GetOutboxOffset(ctx context.Context, consumer string) (OutboxOffset, error)
	SaveOutboxOffset(ctx context.Context, consumer string, offset OutboxOffset) error
}

type TicketStore interface {
	Directory
	TicketReader
	OutboxStore
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	TicketID  string          `json:"ticket_id"`
	RoomID    string          `json:"room_id"`
	CounterID string          `json:"counter_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutboxOffset is the (created_at, event_id) position a consumer has published up to.
type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}

func (o OutboxOffset) Before(event OutboxEvent) bool {
	if event.CreatedAt.After(o.LastEventTime) {
		return true
	}
	return event.CreatedAt.Equal(o.LastEventTime) && event.EventID > o.LastEventID
}
