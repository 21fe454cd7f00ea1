// Package feed serves the read-only views polled by displays, kiosks and
// QR status pages. It never changes ticket state.
package feed

import (
	"context"
	"strings"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"
)

const DefaultRecentLimit = 10

type Reader interface {
	store.Directory
	store.TicketReader
}

type Feed struct {
	store Reader
	today func() string
}

func New(st Reader, today func() string) *Feed {
	return &Feed{store: st, today: today}
}

// CurrentServing returns the ticket the counter is calling or serving.
func (f *Feed) CurrentServing(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if _, err := f.store.LookupCounter(ctx, counterID); err != nil {
		return models.Ticket{}, false, err
	}
	tickets, err := f.store.ListTickets(ctx, store.TicketFilter{
		CounterID: counterID,
		Statuses:  []models.Status{models.StatusCalled, models.StatusServing},
		Order:     store.OrderCalledDesc,
		Limit:     1,
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(tickets) == 0 {
		return models.Ticket{}, false, nil
	}
	return tickets[0], true, nil
}

// Waiting lists today's waiting tickets in call order.
func (f *Feed) Waiting(ctx context.Context, counterID string) ([]models.Ticket, error) {
	if _, err := f.store.LookupCounter(ctx, counterID); err != nil {
		return nil, err
	}
	today := f.today()
	return f.store.ListTickets(ctx, store.TicketFilter{
		CounterID: counterID,
		From:      today,
		To:        today,
		Statuses:  []models.Status{models.StatusWaiting},
		Order:     store.OrderQueue,
	})
}

// RecentCompleted lists today's completed tickets, newest first.
func (f *Feed) RecentCompleted(ctx context.Context, counterID string, limit int) ([]models.Ticket, error) {
	if _, err := f.store.LookupCounter(ctx, counterID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	today := f.today()
	return f.store.ListTickets(ctx, store.TicketFilter{
		CounterID: counterID,
		From:      today,
		To:        today,
		Statuses:  []models.Status{models.StatusCompleted},
		Order:     store.OrderCompletedDesc,
		Limit:     limit,
	})
}

type CounterBoard struct {
	Counter      models.Counter `json:"counter"`
	Current      *models.Ticket `json:"current,omitempty"`
	WaitingCount int            `json:"waiting_count"`
	NextNumbers  []string       `json:"next_numbers"`
}

type RoomBoard struct {
	RoomID      string         `json:"room_id"`
	ServiceDate string         `json:"service_date"`
	Counters    []CounterBoard `json:"counters"`
}

const boardNextNumbers = 3

// RoomBoard aggregates every counter of a room for a waiting-area display.
func (f *Feed) RoomBoard(ctx context.Context, roomID string) (RoomBoard, error) {
	counters, err := f.store.ListRoomCounters(ctx, roomID)
	if err != nil {
		return RoomBoard{}, err
	}
	today := f.today()
	waiting, err := f.store.ListTickets(ctx, store.TicketFilter{
		RoomID:   roomID,
		From:     today,
		To:       today,
		Statuses: []models.Status{models.StatusWaiting},
		Order:    store.OrderQueue,
	})
	if err != nil {
		return RoomBoard{}, err
	}
	active, err := f.store.ListTickets(ctx, store.TicketFilter{
		RoomID:   roomID,
		Statuses: []models.Status{models.StatusCalled, models.StatusServing},
		Order:    store.OrderCalledDesc,
	})
	if err != nil {
		return RoomBoard{}, err
	}

	boards := make([]CounterBoard, 0, len(counters))
	index := make(map[string]int, len(counters))
	for i, counter := range counters {
		index[counter.CounterID] = i
		boards = append(boards, CounterBoard{Counter: counter, NextNumbers: []string{}})
	}
	for i := range active {
		pos, ok := index[active[i].CounterID]
		if !ok || boards[pos].Current != nil {
			continue
		}
		current := active[i]
		boards[pos].Current = &current
	}
	for _, ticket := range waiting {
		pos, ok := index[ticket.CounterID]
		if !ok {
			continue
		}
		boards[pos].WaitingCount++
		if len(boards[pos].NextNumbers) < boardNextNumbers {
			boards[pos].NextNumbers = append(boards[pos].NextNumbers, ticket.DisplayNumber)
		}
	}
	return RoomBoard{RoomID: roomID, ServiceDate: today, Counters: boards}, nil
}

type TicketStatus struct {
	Ticket models.Ticket `json:"ticket"`
	// Position counts waiting tickets ahead; nil once the ticket is called.
	Position *int `json:"position,omitempty"`
}

// Lookup resolves a display number for a QR status page. Display numbers
// repeat across counters sharing a room prefix, so every match is returned
// unless counterID narrows it.
func (f *Feed) Lookup(ctx context.Context, displayNumber, serviceDate, counterID string) ([]TicketStatus, error) {
	displayNumber = strings.ToUpper(strings.TrimSpace(displayNumber))
	if serviceDate == "" {
		serviceDate = f.today()
	}
	tickets, err := f.store.FindTicketsByNumber(ctx, displayNumber, serviceDate)
	if err != nil {
		return nil, err
	}

	statuses := make([]TicketStatus, 0, len(tickets))
	for _, ticket := range tickets {
		if counterID != "" && ticket.CounterID != counterID {
			continue
		}
		status := TicketStatus{Ticket: ticket}
		if ticket.Status == models.StatusWaiting {
			position, err := f.position(ctx, ticket)
			if err != nil {
				return nil, err
			}
			status.Position = &position
		}
		statuses = append(statuses, status)
	}
	if len(statuses) == 0 {
		return nil, store.ErrTicketNotFound
	}
	return statuses, nil
}

func (f *Feed) position(ctx context.Context, ticket models.Ticket) (int, error) {
	waiting, err := f.store.ListTickets(ctx, store.TicketFilter{
		CounterID: ticket.CounterID,
		From:      ticket.ServiceDate,
		To:        ticket.ServiceDate,
		Statuses:  []models.Status{models.StatusWaiting},
		Order:     store.OrderQueue,
	})
	if err != nil {
		return 0, err
	}
	for i, candidate := range waiting {
		if candidate.TicketID == ticket.TicketID {
			return i, nil
		}
	}
	return len(waiting), nil
}
