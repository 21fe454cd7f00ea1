package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/antrian-service/internal/engine"
	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/ratelimit"
	"qms/antrian-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func TestConcurrentCallNextSingleWinner(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, counterA, _ := seedBaseData(t, ctx, pool)
	eng := newTestEngine(st)

	first := createTicket(t, ctx, eng, counterA, "")
	second := createTicket(t, ctx, eng, counterA, "")

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for _, operator := range []string{"op-1", "op-2"} {
		wg.Add(1)
		go func(operatorID string) {
			defer wg.Done()
			ticket, err := eng.CallNext(ctx, engine.CallNextInput{CounterID: counterA, OperatorID: operatorID})
			results <- callResult{ticketID: ticket.TicketID, err: err}
		}(operator)
	}
	wg.Wait()
	close(results)

	var winners []string
	busy := 0
	for result := range results {
		switch {
		case result.err == nil:
			winners = append(winners, result.ticketID)
		case errors.Is(result.err, store.ErrCounterBusy):
			busy++
		default:
			t.Fatalf("call next error: %v", result.err)
		}
	}
	if len(winners) != 1 || busy != 1 {
		t.Fatalf("expected one winner and one busy, got winners=%v busy=%d", winners, busy)
	}
	if winners[0] != first.TicketID {
		t.Fatalf("expected %s to be called first, got %s", first.TicketID, winners[0])
	}

	waiting, err := st.GetTicket(ctx, second.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if waiting.Status != models.StatusWaiting {
		t.Fatalf("expected second ticket to stay waiting, got %s", waiting.Status)
	}

	if _, err := eng.StartServing(ctx, engine.ActionInput{TicketID: first.TicketID, OperatorID: "op-1"}); err != nil {
		t.Fatalf("start serving: %v", err)
	}
	if _, err := eng.Complete(ctx, engine.ActionInput{TicketID: first.TicketID, OperatorID: "op-1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	next, err := eng.CallNext(ctx, engine.CallNextInput{CounterID: counterA, OperatorID: "op-1"})
	if err != nil {
		t.Fatalf("call next after complete: %v", err)
	}
	if next.TicketID != second.TicketID {
		t.Fatalf("expected %s, got %s", second.TicketID, next.TicketID)
	}
}

func TestConcurrentCreateAllocatesUniqueSequences(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, counterA, _ := seedBaseData(t, ctx, pool)
	eng := engine.New(st, ratelimit.NewMemoryDebouncer(0), zap.NewNop(), engine.Options{CreateAttempts: 10})

	const kiosks = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]string)
	for i := 0; i < kiosks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := eng.CreateTicket(ctx, engine.CreateTicketInput{CounterID: counterA, RequestID: uuid.NewString()})
			if err != nil {
				t.Errorf("create ticket: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if other, ok := seen[ticket.Sequence]; ok {
				t.Errorf("sequence %d issued twice (%s, %s)", ticket.Sequence, other, ticket.TicketID)
			}
			seen[ticket.Sequence] = ticket.DisplayNumber
		}()
	}
	wg.Wait()

	for seq := 1; seq <= kiosks; seq++ {
		if _, ok := seen[seq]; !ok {
			t.Fatalf("expected sequence %d to be issued, got %v", seq, seen)
		}
	}
	if seen[1] != "A001" {
		t.Fatalf("expected A001, got %s", seen[1])
	}
}

func TestCreateTicketIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, counterA, _ := seedBaseData(t, ctx, pool)
	eng := newTestEngine(st)

	requestID := uuid.NewString()
	first := createTicket(t, ctx, eng, counterA, requestID)
	second := createTicket(t, ctx, eng, counterA, requestID)

	if first.TicketID != second.TicketID {
		t.Fatalf("expected same ticket ID for duplicate request")
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'ticket.created'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ticket.created event, got %d", count)
	}
}

func TestCreateTicketInactiveCounter(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, _, counterOff := seedBaseData(t, ctx, pool)
	eng := newTestEngine(st)

	_, err := eng.CreateTicket(ctx, engine.CreateTicketInput{CounterID: counterOff})
	if !errors.Is(err, store.ErrCounterInactive) {
		t.Fatalf("expected ErrCounterInactive, got %v", err)
	}
	_, err = eng.CreateTicket(ctx, engine.CreateTicketInput{CounterID: uuid.NewString()})
	if !errors.Is(err, store.ErrCounterNotFound) {
		t.Fatalf("expected ErrCounterNotFound, got %v", err)
	}
}

func TestTicketEventChainAndOutbox(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, counterA, _ := seedBaseData(t, ctx, pool)
	eng := newTestEngine(st)

	ticket := createTicket(t, ctx, eng, counterA, "")
	if _, err := eng.CallNext(ctx, engine.CallNextInput{CounterID: counterA, OperatorID: "op-1"}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := eng.Recall(ctx, engine.ActionInput{TicketID: ticket.TicketID, OperatorID: "op-1"}); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if _, err := eng.Cancel(ctx, engine.ActionInput{TicketID: ticket.TicketID, OperatorID: "op-1", Reason: "left"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events, err := st.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	rebuilt, err := store.RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rebuilt.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rebuilt.Status)
	}

	outbox, err := st.ListOutboxEvents(ctx, store.OutboxOffset{}, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(outbox) != 4 || outbox[0].Type != store.EventCreated || outbox[3].Type != store.EventCancelled {
		t.Fatalf("unexpected outbox events: %+v", outbox)
	}

	offset := store.OutboxOffset{LastEventTime: outbox[1].CreatedAt, LastEventID: outbox[1].EventID}
	if err := st.SaveOutboxOffset(ctx, "test", offset); err != nil {
		t.Fatalf("save offset: %v", err)
	}
	saved, err := st.GetOutboxOffset(ctx, "test")
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if saved.LastEventID != offset.LastEventID {
		t.Fatalf("expected offset %s, got %s", offset.LastEventID, saved.LastEventID)
	}
	rest, err := st.ListOutboxEvents(ctx, saved, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list outbox after offset: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 events after offset, got %d", len(rest))
	}
}

func TestLookupAndListTickets(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	roomID, counterA, _ := seedBaseData(t, ctx, pool)
	eng := newTestEngine(st)

	first := createTicket(t, ctx, eng, counterA, "")
	createTicket(t, ctx, eng, counterA, "")

	matches, err := st.FindTicketsByNumber(ctx, first.DisplayNumber, first.ServiceDate)
	if err != nil {
		t.Fatalf("find by number: %v", err)
	}
	if len(matches) != 1 || matches[0].TicketID != first.TicketID {
		t.Fatalf("unexpected lookup result: %+v", matches)
	}

	waiting, err := st.ListTickets(ctx, store.TicketFilter{
		RoomID:   roomID,
		From:     first.ServiceDate,
		To:       first.ServiceDate,
		Statuses: []models.Status{models.StatusWaiting},
		Order:    store.OrderQueue,
	})
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	if len(waiting) != 2 || waiting[0].TicketID != first.TicketID {
		t.Fatalf("unexpected queue order: %+v", waiting)
	}
}

type callResult struct {
	ticketID string
	err      error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBaseData(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (roomID, counterA, counterOff string) {
	t.Helper()
	roomID = uuid.NewString()
	counterA = uuid.NewString()
	counterOff = uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO rooms (room_id, code, name, prefix) VALUES ($1, 'POLI-A', 'Poli Umum', 'A')
	`, roomID); err != nil {
		t.Fatalf("insert room: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, room_id, code, name, active) VALUES ($1, $2, 'A1', 'Loket 1', true)
	`, counterA, roomID); err != nil {
		t.Fatalf("insert counter A: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO counters (counter_id, room_id, code, name, active) VALUES ($1, $2, 'A9', 'Loket 9', false)
	`, counterOff, roomID); err != nil {
		t.Fatalf("insert inactive counter: %v", err)
	}
	return roomID, counterA, counterOff
}

func newTestEngine(st *Store) *engine.Engine {
	return engine.New(st, ratelimit.NewMemoryDebouncer(0), zap.NewNop(), engine.Options{})
}

func createTicket(t *testing.T, ctx context.Context, eng *engine.Engine, counterID, requestID string) models.Ticket {
	t.Helper()
	ticket, err := eng.CreateTicket(ctx, engine.CreateTicketInput{CounterID: counterID, RequestID: requestID})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}
