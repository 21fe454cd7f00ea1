package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/ratelimit"
	"qms/antrian-service/internal/store"

	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	store.TicketStore
	txFailures int32
	txErr      error
	stale      map[string]bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if atomic.AddInt32(&s.txFailures, -1) >= 0 {
		if s.txErr != nil {
			return s.txErr
		}
		return fmt.Errorf("injected: %w", store.ErrTxConflict)
	}
	return s.TicketStore.WithTx(ctx, func(tx store.Tx) error {
		return fn(&flakyTx{Tx: tx, stale: s.stale})
	})
}

type flakyTx struct {
	store.Tx
	stale map[string]bool
}

func (t *flakyTx) UpdateTicket(ctx context.Context, update store.ConditionalUpdate) (models.Ticket, error) {
	if t.stale[update.TicketID] {
		return models.Ticket{}, fmt.Errorf("ticket %s changed: %w", update.TicketID, store.ErrConflict)
	}
	return t.Tx.UpdateTicket(ctx, update)
}

func TestCallNextFIFOAndBusy(t *testing.T) {
	st := newTestStore()
	e, clock := newTestEngine(t, st, nil)
	ctx := context.Background()

	first := mustCreate(t, e, clock, counterID)
	second := mustCreate(t, e, clock, counterID)
	other := mustCreate(t, e, clock, counterTwo)
	require.Equal(t, "A001", other.DisplayNumber)

	called, err := e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.NoError(t, err)
	require.Equal(t, first.TicketID, called.TicketID)

	_, err = e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrCounterBusy)

	_, err = e.StartServing(ctx, ActionInput{TicketID: first.TicketID})
	require.NoError(t, err)
	_, err = e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrCounterBusy)

	_, err = e.Complete(ctx, ActionInput{TicketID: first.TicketID})
	require.NoError(t, err)
	called, err = e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.NoError(t, err)
	require.Equal(t, second.TicketID, called.TicketID)

	called, err = e.CallNext(ctx, CallNextInput{CounterID: counterTwo, OperatorID: "operator-2"})
	require.NoError(t, err)
	require.Equal(t, other.TicketID, called.TicketID)
}

func TestCallNextNoWaitingTicket(t *testing.T) {
	st := newTestStore()
	e, _ := newTestEngine(t, st, nil)
	ctx := context.Background()

	_, err := e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrNoWaitingTicket)

	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, ServiceDate: "2026-01-13"})
	require.NoError(t, err)
	_, err = e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrNoWaitingTicket, "tomorrow's tickets are not callable today")

	_, err = e.CallNext(ctx, CallNextInput{CounterID: "missing", OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrCounterNotFound)

	_, err = e.CallNext(ctx, CallNextInput{CounterID: counterID})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentCallNextSameCounter(t *testing.T) {
	st := newTestStore()
	e, clock := newTestEngine(t, st, nil)
	ctx := context.Background()

	first := mustCreate(t, e, clock, counterID)
	second := mustCreate(t, e, clock, counterID)

	type result struct {
		ticket models.Ticket
		err    error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			ticket, err := e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: op})
			results <- result{ticket: ticket, err: err}
		}(fmt.Sprintf("operator-%d", i))
	}
	wg.Wait()
	close(results)

	var won []models.Ticket
	var busy int
	for res := range results {
		switch {
		case res.err == nil:
			won = append(won, res.ticket)
		case errors.Is(res.err, store.ErrCounterBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", res.err)
		}
	}
	require.Len(t, won, 1)
	require.Equal(t, 1, busy)
	require.Equal(t, first.TicketID, won[0].TicketID)

	stored, err := st.GetTicket(ctx, second.TicketID)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, stored.Status)
}

func TestConcurrentCallNextAcrossCounters(t *testing.T) {
	st := newTestStore()
	e, clock := newTestEngine(t, st, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreate(t, e, clock, counterID)
		mustCreate(t, e, clock, counterTwo)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for _, counter := range []string{counterID, counterTwo} {
		wg.Add(1)
		go func(counter string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				ticket, err := e.CallNext(ctx, CallNextInput{CounterID: counter, OperatorID: operatorID})
				if err != nil {
					t.Errorf("call next %s: %v", counter, err)
					return
				}
				mu.Lock()
				if seen[ticket.TicketID] {
					t.Errorf("ticket %s called twice", ticket.TicketID)
				}
				seen[ticket.TicketID] = true
				mu.Unlock()
				if _, err := e.Cancel(ctx, ActionInput{TicketID: ticket.TicketID}); err != nil {
					t.Errorf("cancel %s: %v", ticket.TicketID, err)
					return
				}
			}
		}(counter)
	}
	wg.Wait()
	require.Len(t, seen, 10)
}

func TestCallNextRetriesAbortedTransactions(t *testing.T) {
	base := newTestStore()
	flaky := &flakyStore{TicketStore: base}
	e, clock := newTestEngine(t, flaky, nil)
	ctx := context.Background()

	first := mustCreate(t, e, clock, counterID)

	atomic.StoreInt32(&flaky.txFailures, 2)
	called, err := e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.NoError(t, err)
	require.Equal(t, first.TicketID, called.TicketID)

	mustCreate(t, e, clock, counterTwo)
	atomic.StoreInt32(&flaky.txFailures, 100)
	_, err = e.CallNext(ctx, CallNextInput{CounterID: counterTwo, OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrTxConflict)
	atomic.StoreInt32(&flaky.txFailures, 0)
}

func TestCallNextSkipsStaleCandidate(t *testing.T) {
	base := newTestStore()
	flaky := &flakyStore{TicketStore: base}
	e, clock := newTestEngine(t, flaky, nil)
	ctx := context.Background()

	first := mustCreate(t, e, clock, counterID)
	second := mustCreate(t, e, clock, counterID)
	flaky.stale = map[string]bool{first.TicketID: true}

	called, err := e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.NoError(t, err)
	require.Equal(t, second.TicketID, called.TicketID)

	stored, err := base.GetTicket(ctx, first.TicketID)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, stored.Status)
}

func TestCallNextStaleExhaustsToNoWaiting(t *testing.T) {
	base := newTestStore()
	flaky := &flakyStore{TicketStore: base}
	e, clock := newTestEngine(t, flaky, nil)
	ctx := context.Background()

	only := mustCreate(t, e, clock, counterID)
	flaky.stale = map[string]bool{only.TicketID: true}

	_, err := e.CallNext(ctx, CallNextInput{CounterID: counterID, OperatorID: operatorID})
	require.ErrorIs(t, err, store.ErrNoWaitingTicket)
}

func TestCreateTicketRules(t *testing.T) {
	st := newTestStore()
	e, clock := newTestEngine(t, st, nil)
	ctx := context.Background()

	_, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: "missing"})
	require.ErrorIs(t, err, store.ErrCounterNotFound)
	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterOff})
	require.ErrorIs(t, err, store.ErrCounterInactive)
	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, ServiceDate: "12-01-2026"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.CreateTicket(ctx, CreateTicketInput{})
	require.ErrorIs(t, err, ErrInvalidInput)

	a1 := mustCreate(t, e, clock, counterID)
	a2 := mustCreate(t, e, clock, counterID)
	b1 := mustCreate(t, e, clock, counterTwo)
	require.Equal(t, []int{1, 2, 1}, []int{a1.Sequence, a2.Sequence, b1.Sequence})
	require.Equal(t, "A002", a2.DisplayNumber)

	clock.Advance(24 * time.Hour)
	nextDay := mustCreate(t, e, clock, counterID)
	require.Equal(t, "2026-01-13", nextDay.ServiceDate)
	require.Equal(t, 1, nextDay.Sequence)
}

func TestCreateTicketIdempotentRequest(t *testing.T) {
	st := newTestStore()
	e, _ := newTestEngine(t, st, ratelimit.NewMemoryDebouncer(time.Hour))
	ctx := context.Background()

	first, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, RequestID: "kiosk-1-0001"})
	require.NoError(t, err)
	second, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, RequestID: "kiosk-1-0001"})
	require.NoError(t, err)
	require.Equal(t, first.TicketID, second.TicketID)

	tickets, err := st.ListTickets(ctx, store.TicketFilter{CounterID: counterID})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
}

func TestCreateTicketRequestReusedElsewhere(t *testing.T) {
	st := newTestStore()
	e, _ := newTestEngine(t, st, nil)
	ctx := context.Background()

	first, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, RequestID: "r-1"})
	require.NoError(t, err)

	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterTwo, RequestID: "r-1"})
	require.ErrorIs(t, err, store.ErrRequestReused)
	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, ServiceDate: "2026-01-13", RequestID: "r-1"})
	require.ErrorIs(t, err, store.ErrRequestReused)

	same, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID, ServiceDate: first.ServiceDate, RequestID: "r-1"})
	require.NoError(t, err)
	require.Equal(t, first.TicketID, same.TicketID)

	other, err := st.ListTickets(ctx, store.TicketFilter{CounterID: counterTwo})
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestCreateTicketDebounce(t *testing.T) {
	st := newTestStore()
	e, _ := newTestEngine(t, st, ratelimit.NewMemoryDebouncer(time.Hour))
	ctx := context.Background()

	_, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.NoError(t, err)
	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.ErrorIs(t, err, store.ErrRateLimited)
	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterTwo})
	require.NoError(t, err)
}

type failingDebouncer struct{}

func (failingDebouncer) Acquire(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDebouncer) Release(context.Context, string) error {
	return errors.New("redis down")
}

func TestCreateTicketFailureReopensDebounce(t *testing.T) {
	flaky := &flakyStore{TicketStore: newTestStore(), txErr: store.ErrSequenceOverflow}
	e, _ := newTestEngine(t, flaky, ratelimit.NewMemoryDebouncer(time.Hour))
	ctx := context.Background()

	atomic.StoreInt32(&flaky.txFailures, 1)
	_, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.ErrorIs(t, err, store.ErrSequenceOverflow)

	ticket, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.NoError(t, err)
	require.Equal(t, "A001", ticket.DisplayNumber)

	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.ErrorIs(t, err, store.ErrRateLimited, "a successful create keeps the window closed")
}

func TestCreateTicketExhaustedRetriesReopenDebounce(t *testing.T) {
	flaky := &flakyStore{TicketStore: newTestStore()}
	e, _ := newTestEngine(t, flaky, ratelimit.NewMemoryDebouncer(time.Hour))
	ctx := context.Background()

	atomic.StoreInt32(&flaky.txFailures, 3)
	_, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.NoError(t, err)
}

func TestCreateTicketDebounceFailsOpen(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(), failingDebouncer{})
	ticket, err := e.CreateTicket(context.Background(), CreateTicketInput{CounterID: counterID})
	require.NoError(t, err)
	require.Equal(t, "A001", ticket.DisplayNumber)
}

func TestConcurrentCreateAllocatesUniqueSequences(t *testing.T) {
	st := newTestStore()
	e, _ := newTestEngine(t, st, nil)
	ctx := context.Background()

	const n = 20
	sequences := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			sequences <- ticket.Sequence
		}()
	}
	wg.Wait()
	close(sequences)

	var got []int
	for seq := range sequences {
		got = append(got, seq)
	}
	sort.Ints(got)
	require.Len(t, got, n)
	for i, seq := range got {
		require.Equal(t, i+1, seq)
	}
}

func TestCreateTicketRetriesAbortedTransactions(t *testing.T) {
	flaky := &flakyStore{TicketStore: newTestStore()}
	e, _ := newTestEngine(t, flaky, nil)
	ctx := context.Background()

	atomic.StoreInt32(&flaky.txFailures, 2)
	ticket, err := e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.NoError(t, err)
	require.Equal(t, 1, ticket.Sequence)

	atomic.StoreInt32(&flaky.txFailures, 3)
	_, err = e.CreateTicket(ctx, CreateTicketInput{CounterID: counterID})
	require.ErrorIs(t, err, store.ErrConflict)
	atomic.StoreInt32(&flaky.txFailures, 0)
}
