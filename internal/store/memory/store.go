// Package memory is an in-process TicketStore. Transactions are serialized
// and applied atomically on commit, so it gives the same guarantees as the
// postgres store for a single process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	rooms    map[string]models.Room
	counters map[string]models.Counter
	data     state
	offsets  map[string]store.OutboxOffset
	now      func() time.Time
}

type state struct {
	tickets map[string]models.Ticket
	events  map[string][]store.TicketEvent
	outbox  []store.OutboxEvent
}

func NewStore() *Store {
	return &Store{
		rooms:    make(map[string]models.Room),
		counters: make(map[string]models.Counter),
		data: state{
			tickets: make(map[string]models.Ticket),
			events:  make(map[string][]store.TicketEvent),
		},
		offsets: make(map[string]store.OutboxOffset),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) PutRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.RoomID] = room
}

func (s *Store) PutCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.CounterID] = counter
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	tx := &memTx{store: s, data: working}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = tx.data
	s.mu.Unlock()
	return nil
}

func (st state) clone() state {
	next := state{
		tickets: make(map[string]models.Ticket, len(st.tickets)),
		events:  make(map[string][]store.TicketEvent, len(st.events)),
		outbox:  append([]store.OutboxEvent(nil), st.outbox...),
	}
	for id, ticket := range st.tickets {
		next.tickets[id] = ticket
	}
	for id, events := range st.events {
		next.events[id] = append([]store.TicketEvent(nil), events...)
	}
	return next
}

func (s *Store) lookupCounter(counterID string) (store.CounterInfo, error) {
	counter, ok := s.counters[counterID]
	if !ok {
		return store.CounterInfo{}, store.ErrCounterNotFound
	}
	room, ok := s.rooms[counter.RoomID]
	if !ok {
		return store.CounterInfo{}, fmt.Errorf("counter %s: %w", counterID, store.ErrRoomNotFound)
	}
	return store.CounterInfo{Counter: counter, Room: room}, nil
}

func (s *Store) LookupCounter(_ context.Context, counterID string) (store.CounterInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupCounter(counterID)
}

func (s *Store) ListRoomCounters(_ context.Context, roomID string) ([]models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, store.ErrRoomNotFound
	}
	counters := make([]models.Counter, 0)
	for _, counter := range s.counters {
		if counter.RoomID == roomID {
			counters = append(counters, counter)
		}
	}
	sort.Slice(counters, func(i, j int) bool {
		if counters[i].Code != counters[j].Code {
			return counters[i].Code < counters[j].Code
		}
		return counters[i].CounterID < counters[j].CounterID
	})
	return counters, nil
}

func (s *Store) GetTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.data.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) FindTicketsByNumber(_ context.Context, displayNumber, serviceDate string) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tickets := make([]models.Ticket, 0)
	for _, ticket := range s.data.tickets {
		if ticket.DisplayNumber == displayNumber && ticket.ServiceDate == serviceDate {
			tickets = append(tickets, ticket)
		}
	}
	sortTickets(tickets, store.OrderQueue)
	return tickets, nil
}

func (s *Store) ListTickets(_ context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tickets := make([]models.Ticket, 0)
	for _, ticket := range s.data.tickets {
		if matches(ticket, filter) {
			tickets = append(tickets, ticket)
		}
	}
	sortTickets(tickets, filter.Order)
	if filter.Limit > 0 && len(tickets) > filter.Limit {
		tickets = tickets[:filter.Limit]
	}
	return tickets, nil
}

func (s *Store) ListTicketEvents(_ context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	return append([]store.TicketEvent(nil), s.data.events[ticketID]...), nil
}

func (s *Store) ListOutboxEvents(_ context.Context, after store.OutboxOffset, until time.Time, limit int) ([]store.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]store.OutboxEvent, 0)
	for _, event := range s.data.outbox {
		if !after.Before(event) || event.CreatedAt.After(until) {
			continue
		}
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].EventID < events[j].EventID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) GetOutboxOffset(_ context.Context, consumer string) (store.OutboxOffset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[consumer], nil
}

func (s *Store) SaveOutboxOffset(_ context.Context, consumer string, offset store.OutboxOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumer] = offset
	return nil
}

type memTx struct {
	store *Store
	data  state
}

func (t *memTx) LockCounter(_ context.Context, counterID string) (store.CounterInfo, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.lookupCounter(counterID)
}

func (t *memTx) MaxSequence(_ context.Context, counterID, serviceDate string) (int, error) {
	highest := 0
	for _, ticket := range t.data.tickets {
		if ticket.CounterID == counterID && ticket.ServiceDate == serviceDate && ticket.Sequence > highest {
			highest = ticket.Sequence
		}
	}
	return highest, nil
}

func (t *memTx) InsertTicket(_ context.Context, ticket models.Ticket) (models.Ticket, error) {
	if _, exists := t.data.tickets[ticket.TicketID]; exists {
		return models.Ticket{}, fmt.Errorf("ticket %s already exists: %w", ticket.TicketID, store.ErrTxConflict)
	}
	for _, existing := range t.data.tickets {
		if existing.CounterID == ticket.CounterID && existing.ServiceDate == ticket.ServiceDate && existing.Sequence == ticket.Sequence {
			return models.Ticket{}, fmt.Errorf("sequence %d taken on %s: %w", ticket.Sequence, ticket.ServiceDate, store.ErrTxConflict)
		}
		if ticket.RequestID != "" && existing.RequestID == ticket.RequestID {
			return models.Ticket{}, fmt.Errorf("request %s already used: %w", ticket.RequestID, store.ErrTxConflict)
		}
	}
	t.data.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (t *memTx) FindTicketByRequestID(_ context.Context, requestID string) (models.Ticket, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, nil
	}
	for _, ticket := range t.data.tickets {
		if ticket.RequestID == requestID {
			return ticket, true, nil
		}
	}
	return models.Ticket{}, false, nil
}

func (t *memTx) GetTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	ticket, ok := t.data.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (t *memTx) ActiveTicket(_ context.Context, counterID string) (models.Ticket, bool, error) {
	var active []models.Ticket
	for _, ticket := range t.data.tickets {
		if ticket.CounterID == counterID && ticket.Status.Active() {
			active = append(active, ticket)
		}
	}
	if len(active) == 0 {
		return models.Ticket{}, false, nil
	}
	sortTickets(active, store.OrderCalledDesc)
	return active[0], true, nil
}

func (t *memTx) NextWaiting(_ context.Context, counterID, serviceDate string, exclude []string) (models.Ticket, bool, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var waiting []models.Ticket
	for _, ticket := range t.data.tickets {
		if ticket.CounterID != counterID || ticket.ServiceDate != serviceDate || ticket.Status != models.StatusWaiting {
			continue
		}
		if _, skipped := skip[ticket.TicketID]; skipped {
			continue
		}
		waiting = append(waiting, ticket)
	}
	if len(waiting) == 0 {
		return models.Ticket{}, false, nil
	}
	sortTickets(waiting, store.OrderQueue)
	return waiting[0], true, nil
}

func (t *memTx) UpdateTicket(_ context.Context, update store.ConditionalUpdate) (models.Ticket, error) {
	ticket, ok := t.data.tickets[update.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != update.ExpectedStatus {
		return models.Ticket{}, fmt.Errorf("ticket %s is %s, expected %s: %w", ticket.TicketID, ticket.Status, update.ExpectedStatus, store.ErrConflict)
	}
	ticket = update.Apply(ticket)
	t.data.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (t *memTx) AppendEvent(_ context.Context, eventType string, ticket models.Ticket, reason string) error {
	payload, err := store.EventPayload(ticket, reason)
	if err != nil {
		return err
	}
	createdAt := t.store.now()

	var last *store.TicketEvent
	if chain := t.data.events[ticket.TicketID]; len(chain) > 0 {
		last = &chain[len(chain)-1]
	}
	event := store.NextTicketEvent(last, ticket.TicketID, eventType, payload, createdAt)
	t.data.events[ticket.TicketID] = append(t.data.events[ticket.TicketID], event)

	eventID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	t.data.outbox = append(t.data.outbox, store.OutboxEvent{
		EventID:   eventID.String(),
		Type:      eventType,
		TicketID:  ticket.TicketID,
		RoomID:    ticket.RoomID,
		CounterID: ticket.CounterID,
		Payload:   payload,
		CreatedAt: createdAt,
	})
	return nil
}

func matches(ticket models.Ticket, filter store.TicketFilter) bool {
	if filter.CounterID != "" && ticket.CounterID != filter.CounterID {
		return false
	}
	if filter.RoomID != "" && ticket.RoomID != filter.RoomID {
		return false
	}
	if filter.From != "" && ticket.ServiceDate < filter.From {
		return false
	}
	if filter.To != "" && ticket.ServiceDate > filter.To {
		return false
	}
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, status := range filter.Statuses {
		if ticket.Status == status {
			return true
		}
	}
	return false
}

func sortTickets(tickets []models.Ticket, order store.TicketOrder) {
	sort.Slice(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		switch order {
		case store.OrderCalledDesc:
			if at, bt := timeOrZero(a.CalledAt), timeOrZero(b.CalledAt); !at.Equal(bt) {
				return at.After(bt)
			}
			return a.TicketID > b.TicketID
		case store.OrderCompletedDesc:
			if at, bt := timeOrZero(a.CompletedAt), timeOrZero(b.CompletedAt); !at.Equal(bt) {
				return at.After(bt)
			}
			return a.TicketID > b.TicketID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TicketID < b.TicketID
	})
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}
