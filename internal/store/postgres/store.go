package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id::text, room_id::text, counter_id::text, to_char(service_date, 'YYYY-MM-DD'),
	sequence, display_number, status, COALESCE(request_id, ''), created_at, called_at, COALESCE(called_by, ''),
	served_at, completed_at, COALESCE(notes, '')`

const counterColumns = `c.counter_id::text, c.room_id::text, c.code, c.name, c.type, c.active,
	r.room_id::text, r.code, r.name, r.prefix, r.active`

type Store struct {
	pool     *pgxpool.Pool
	isoLevel pgx.TxIsoLevel
}

type Options struct {
	// IsoLevel defaults to serializable.
	IsoLevel pgx.TxIsoLevel
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	isoLevel := options.IsoLevel
	if isoLevel == "" {
		isoLevel = pgx.Serializable
	}
	return &Store{pool: pool, isoLevel: isoLevel}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: s.isoLevel})
	if err != nil {
		return translateError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

func (s *Store) LookupCounter(ctx context.Context, counterID string) (store.CounterInfo, error) {
	if _, err := uuid.Parse(counterID); err != nil {
		return store.CounterInfo{}, store.ErrCounterNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters c
		JOIN rooms r ON r.room_id = c.room_id
		WHERE c.counter_id = $1
	`, counterID)
	return scanCounterInfo(row)
}

func (s *Store) ListRoomCounters(ctx context.Context, roomID string) ([]models.Counter, error) {
	if _, err := uuid.Parse(roomID); err != nil {
		return nil, store.ErrRoomNotFound
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE room_id = $1)`, roomID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrRoomNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT counter_id::text, room_id::text, code, name, type, active
		FROM counters
		WHERE room_id = $1
		ORDER BY code, counter_id
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := make([]models.Counter, 0)
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.RoomID, &counter.Code, &counter.Name, &counter.Type, &counter.Active); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return getTicketByID(ctx, s.pool, ticketID)
}

func (s *Store) FindTicketsByNumber(ctx context.Context, displayNumber, serviceDate string) ([]models.Ticket, error) {
	day, err := models.ParseServiceDate(serviceDate)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE display_number = $1 AND service_date = $2
		ORDER BY created_at, ticket_id
	`, displayNumber, day)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	conds := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)
	add := func(cond string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.CounterID != "" {
		if _, err := uuid.Parse(filter.CounterID); err != nil {
			return []models.Ticket{}, nil
		}
		add("counter_id = $%d", filter.CounterID)
	}
	if filter.RoomID != "" {
		if _, err := uuid.Parse(filter.RoomID); err != nil {
			return []models.Ticket{}, nil
		}
		add("room_id = $%d", filter.RoomID)
	}
	if filter.From != "" {
		day, err := models.ParseServiceDate(filter.From)
		if err != nil {
			return nil, err
		}
		add("service_date >= $%d", day)
	}
	if filter.To != "" {
		day, err := models.ParseServiceDate(filter.To)
		if err != nil {
			return nil, err
		}
		add("service_date <= $%d", day)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		add("status = ANY($%d)", statuses)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	switch filter.Order {
	case store.OrderCalledDesc:
		query += " ORDER BY called_at DESC NULLS LAST, ticket_id DESC"
	case store.OrderCompletedDesc:
		query += " ORDER BY completed_at DESC NULLS LAST, ticket_id DESC"
	default:
		query += " ORDER BY created_at, ticket_id"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := getTicketByID(ctx, s.pool, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id::text, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]store.TicketEvent, 0)
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxOffset, until time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id::text, type, ticket_id::text, room_id::text, counter_id::text, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id::text) > ($1, $2) AND created_at <= $3
		ORDER BY created_at, event_id::text
		LIMIT $4
	`, after.LastEventTime, after.LastEventID, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]store.OutboxEvent, 0)
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.TicketID, &event.RoomID, &event.CounterID, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetOutboxOffset(ctx context.Context, consumer string) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM outbox_offsets
		WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, err
	}
	return offset, nil
}

func (s *Store) SaveOutboxOffset(ctx context.Context, consumer string, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (consumer, last_event_time, last_event_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (consumer)
		DO UPDATE SET last_event_time = EXCLUDED.last_event_time, last_event_id = EXCLUDED.last_event_id, updated_at = now()
	`, consumer, offset.LastEventTime, offset.LastEventID)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCounter(ctx context.Context, counterID string) (store.CounterInfo, error) {
	if _, err := uuid.Parse(counterID); err != nil {
		return store.CounterInfo{}, store.ErrCounterNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters c
		JOIN rooms r ON r.room_id = c.room_id
		WHERE c.counter_id = $1
		FOR UPDATE OF c
	`, counterID)
	info, err := scanCounterInfo(row)
	return info, translateError(err)
}

func (t *pgTx) MaxSequence(ctx context.Context, counterID, serviceDate string) (int, error) {
	day, err := models.ParseServiceDate(serviceDate)
	if err != nil {
		return 0, err
	}
	var current int
	row := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM tickets
		WHERE counter_id = $1 AND service_date = $2
	`, counterID, day)
	if err := row.Scan(&current); err != nil {
		return 0, translateError(err)
	}
	return current, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	day, err := models.ParseServiceDate(ticket.ServiceDate)
	if err != nil {
		return models.Ticket{}, err
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, room_id, counter_id, service_date, sequence, display_number,
			status, request_id, created_at, called_at, called_by, served_at, completed_at, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+ticketColumns,
		ticket.TicketID, ticket.RoomID, ticket.CounterID, day, ticket.Sequence, ticket.DisplayNumber,
		string(ticket.Status), nullIfEmpty(ticket.RequestID), ticket.CreatedAt, ticket.CalledAt, nullIfEmpty(ticket.CalledBy),
		ticket.ServedAt, ticket.CompletedAt, nullIfEmpty(ticket.Notes))
	inserted, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, translateError(err)
	}
	return inserted, nil
}

func (t *pgTx) FindTicketByRequestID(ctx context.Context, requestID string) (models.Ticket, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, nil
	}
	row := t.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, translateError(err)
	}
	return ticket, true, nil
}

func (t *pgTx) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := getTicketByID(ctx, t.tx, ticketID)
	return ticket, translateError(err)
}

func (t *pgTx) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status IN ('called', 'serving')
		ORDER BY called_at DESC NULLS LAST, ticket_id DESC
		LIMIT 1
	`, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, translateError(err)
	}
	return ticket, true, nil
}

func (t *pgTx) NextWaiting(ctx context.Context, counterID, serviceDate string, exclude []string) (models.Ticket, bool, error) {
	day, err := models.ParseServiceDate(serviceDate)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if exclude == nil {
		exclude = []string{}
	}
	row := t.tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND service_date = $2 AND status = 'waiting'
			AND NOT (ticket_id::text = ANY($3::text[]))
		ORDER BY created_at, ticket_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, counterID, day, exclude)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, translateError(err)
	}
	return ticket, true, nil
}

func (t *pgTx) UpdateTicket(ctx context.Context, update store.ConditionalUpdate) (models.Ticket, error) {
	updateQuery := `
		UPDATE tickets
		SET status = $1`
	args := []interface{}{string(update.Status)}
	set := func(column string, value interface{}) {
		args = append(args, value)
		updateQuery += fmt.Sprintf(", %s = $%d", column, len(args))
	}
	if update.CalledAt != nil {
		set("called_at", *update.CalledAt)
	}
	if update.CalledBy != "" {
		set("called_by", update.CalledBy)
	}
	if update.ServedAt != nil {
		set("served_at", *update.ServedAt)
	}
	if update.CompletedAt != nil {
		set("completed_at", *update.CompletedAt)
	}
	if update.Notes != "" {
		set("notes", update.Notes)
	}
	args = append(args, update.TicketID, string(update.ExpectedStatus))
	updateQuery += fmt.Sprintf(`
		WHERE ticket_id = $%d AND status = $%d
		RETURNING `, len(args)-1, len(args)) + ticketColumns

	ticket, err := scanTicket(t.tx.QueryRow(ctx, updateQuery, args...))
	if err == nil {
		return ticket, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, translateError(err)
	}

	state, exists, err := loadTicketState(ctx, t.tx, update.TicketID)
	if err != nil {
		return models.Ticket{}, translateError(err)
	}
	if !exists {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return models.Ticket{}, fmt.Errorf("ticket %s is %s, expected %s: %w", update.TicketID, state, update.ExpectedStatus, store.ErrConflict)
}

func (t *pgTx) AppendEvent(ctx context.Context, eventType string, ticket models.Ticket, reason string) error {
	payload, err := store.EventPayload(ticket, reason)
	if err != nil {
		return err
	}
	eventID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, ticket_id, room_id, counter_id, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, eventID.String(), eventType, ticket.TicketID, ticket.RoomID, ticket.CounterID, payload, time.Now().UTC())
	if err != nil {
		return translateError(err)
	}
	return translateError(insertTicketEvent(ctx, t.tx, ticket.TicketID, eventType, payload))
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var last store.TicketEvent
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticketID)
	err := row.Scan(&last.TicketSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var lastPtr *store.TicketEvent
	if err == nil {
		last.Hash = prevHash.String
		lastPtr = &last
	}
	// payload is JSON, not JSONB, and timestamptz keeps microseconds; both must
	// round-trip byte for byte or the stored hash no longer verifies.
	event := store.NextTicketEvent(lastPtr, ticketID, eventType, payload, time.Now().UTC().Truncate(time.Microsecond))

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func loadTicketState(ctx context.Context, tx pgx.Tx, ticketID string) (models.Status, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return models.Status(status), true, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getTicketByID(ctx context.Context, q querier, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	row := q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var calledAtNull sql.NullTime
	var servedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	err := row.Scan(&ticket.TicketID, &ticket.RoomID, &ticket.CounterID, &ticket.ServiceDate,
		&ticket.Sequence, &ticket.DisplayNumber, &status, &ticket.RequestID, &ticket.CreatedAt, &calledAtNull, &ticket.CalledBy,
		&servedAtNull, &completedAtNull, &ticket.Notes)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServedAt = nullTimePtr(servedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func scanCounterInfo(row pgx.Row) (store.CounterInfo, error) {
	var info store.CounterInfo
	err := row.Scan(&info.Counter.CounterID, &info.Counter.RoomID, &info.Counter.Code, &info.Counter.Name, &info.Counter.Type, &info.Counter.Active,
		&info.Room.RoomID, &info.Room.Code, &info.Room.Name, &info.Room.Prefix, &info.Room.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CounterInfo{}, store.ErrCounterNotFound
		}
		return store.CounterInfo{}, err
	}
	return info, nil
}

// translateError maps aborted transactions onto store.ErrTxConflict.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s (%s)", store.ErrTxConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	utc := value.Time.UTC()
	return &utc
}
