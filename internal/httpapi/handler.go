package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"qms/antrian-service/internal/engine"
	"qms/antrian-service/internal/feed"
	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/report"
	"qms/antrian-service/internal/stats"
	"qms/antrian-service/internal/store"

	"github.com/google/uuid"
)

// Lifecycle is the subset of the engine the adapter drives.
type Lifecycle interface {
	CreateTicket(ctx context.Context, input engine.CreateTicketInput) (models.Ticket, error)
	CallNext(ctx context.Context, input engine.CallNextInput) (models.Ticket, error)
	StartServing(ctx context.Context, input engine.ActionInput) (models.Ticket, error)
	Complete(ctx context.Context, input engine.ActionInput) (models.Ticket, error)
	Cancel(ctx context.Context, input engine.ActionInput) (models.Ticket, error)
}

type Recaller interface {
	Recall(ctx context.Context, input engine.ActionInput) (models.Ticket, error)
}

type Feed interface {
	CurrentServing(ctx context.Context, counterID string) (models.Ticket, bool, error)
	Waiting(ctx context.Context, counterID string) ([]models.Ticket, error)
	RecentCompleted(ctx context.Context, counterID string, limit int) ([]models.Ticket, error)
	RoomBoard(ctx context.Context, roomID string) (feed.RoomBoard, error)
	Lookup(ctx context.Context, displayNumber, serviceDate, counterID string) ([]feed.TicketStatus, error)
}

type Stats interface {
	ForCounter(ctx context.Context, counterID string, r stats.Range) (stats.Summary, error)
	ForRoom(ctx context.Context, roomID string, r stats.Range) (stats.Summary, error)
	Tickets(ctx context.Context, filter store.TicketFilter, r stats.Range) ([]models.Ticket, stats.Range, error)
}

type Tickets interface {
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
}

type Deps struct {
	Engine  Lifecycle
	Recall  Recaller
	Feed    Feed
	Stats   Stats
	Tickets Tickets
}

type Handler struct {
	engine  Lifecycle
	recall  Recaller
	feed    Feed
	stats   Stats
	tickets Tickets
}

func NewHandler(deps Deps) *Handler {
	recall := deps.Recall
	if recall == nil {
		if r, ok := deps.Engine.(Recaller); ok {
			recall = r
		}
	}
	return &Handler{
		engine:  deps.Engine,
		recall:  recall,
		feed:    deps.Feed,
		stats:   deps.Stats,
		tickets: deps.Tickets,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tickets", h.handleCreateTicket)
	mux.HandleFunc("/api/tickets/lookup", h.handleLookup)
	mux.HandleFunc("/api/tickets/", h.handleTicketRoutes)
	mux.HandleFunc("/api/counters/", h.handleCounterRoutes)
	mux.HandleFunc("/api/rooms/", h.handleRoomRoutes)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/reports/", h.handleReport)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTicketRequest struct {
	RequestID   string `json:"request_id"`
	CounterID   string `json:"counter_id"`
	ServiceDate string `json:"service_date"`
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.ServiceDate = strings.TrimSpace(req.ServiceDate)

	if req.CounterID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(req.CounterID) || (req.RequestID != "" && !isValidUUID(req.RequestID)) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id and request_id must be UUIDs")
		return
	}

	ticket, err := h.engine.CreateTicket(r.Context(), engine.CreateTicketInput{
		CounterID:   req.CounterID,
		ServiceDate: req.ServiceDate,
		RequestID:   req.RequestID,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	ticketsCreated.Add(1)

	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	number := strings.TrimSpace(query.Get("number"))
	date := strings.TrimSpace(query.Get("date"))
	counterID := strings.TrimSpace(query.Get("counter_id"))
	if number == "" || date == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "number and date are required")
		return
	}
	if _, err := models.ParseServiceDate(date); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}
	if counterID != "" && !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	matches, err := h.feed.Lookup(r.Context(), number, date, counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, matches)
}

type actionRequest struct {
	CounterID string `json:"counter_id"`
	Notes     string `json:"notes"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleTicketRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	if ticketID == "" || !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleTicketEvents(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, err := h.tickets.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := h.tickets.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if len(events) == 0 {
		writeError(w, "", http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}
	verified := store.VerifyTicketEvents(events) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket_id": ticketID,
		"verified":  verified,
		"events":    events,
	})
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req actionRequest
	if err := decodeRequest(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID != "" && !isValidUUID(req.CounterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	input := engine.ActionInput{
		TicketID:   ticketID,
		OperatorID: operatorFromContext(r.Context()),
		CounterID:  req.CounterID,
		Notes:      strings.TrimSpace(req.Notes),
		Reason:     strings.TrimSpace(req.Reason),
	}

	var (
		ticket models.Ticket
		err    error
	)
	switch action {
	case "recall":
		ticket, err = h.recall.Recall(r.Context(), input)
	case "start":
		ticket, err = h.engine.StartServing(r.Context(), input)
	case "complete":
		ticket, err = h.engine.Complete(r.Context(), input)
	case "cancel":
		ticket, err = h.engine.Cancel(r.Context(), input)
	default:
		writeError(w, "", http.StatusNotFound, "unknown_action", "unknown action")
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCounterRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	counterID := parts[0]
	if !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter id must be a UUID")
		return
	}

	switch parts[1] {
	case "call-next":
		h.handleCallNext(w, r, counterID)
	case "current":
		h.handleCurrent(w, r, counterID)
	case "waiting":
		h.handleWaiting(w, r, counterID)
	case "completed":
		h.handleCompleted(w, r, counterID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, counterID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticket, err := h.engine.CallNext(r.Context(), engine.CallNextInput{
		CounterID:  counterID,
		OperatorID: operatorFromContext(r.Context()),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	ticketsCalled.Add(1)

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request, counterID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, found, err := h.feed.CurrentServing(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request, counterID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tickets, err := h.feed.Waiting(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleCompleted(w http.ResponseWriter, r *http.Request, counterID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	tickets, err := h.feed.RecentCompleted(r.Context(), counterID, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleRoomRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "board" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	roomID := parts[0]
	if !isValidUUID(roomID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "room id must be a UUID")
		return
	}

	board, err := h.feed.RoomBoard(r.Context(), roomID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// scopeFromQuery reads exactly one of counter_id or room_id plus the date range.
func scopeFromQuery(r *http.Request) (store.TicketFilter, stats.Range, error) {
	query := r.URL.Query()
	counterID := strings.TrimSpace(query.Get("counter_id"))
	roomID := strings.TrimSpace(query.Get("room_id"))
	rng := stats.Range{
		From: strings.TrimSpace(query.Get("from")),
		To:   strings.TrimSpace(query.Get("to")),
	}
	if (counterID == "") == (roomID == "") {
		return store.TicketFilter{}, rng, errors.New("exactly one of counter_id or room_id is required")
	}
	if counterID != "" && !isValidUUID(counterID) {
		return store.TicketFilter{}, rng, errors.New("counter_id must be a UUID")
	}
	if roomID != "" && !isValidUUID(roomID) {
		return store.TicketFilter{}, rng, errors.New("room_id must be a UUID")
	}
	return store.TicketFilter{CounterID: counterID, RoomID: roomID}, rng, nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter, rng, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var summary stats.Summary
	if filter.CounterID != "" {
		summary, err = h.stats.ForCounter(r.Context(), filter.CounterID, rng)
	} else {
		summary, err = h.stats.ForRoom(r.Context(), filter.RoomID, rng)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	if name != "tickets.csv" && name != "tickets.xlsx" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	filter, rng, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tickets, rng, err := h.stats.Tickets(r.Context(), filter, rng)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	var buf bytes.Buffer
	contentType := "text/csv"
	if name == "tickets.xlsx" {
		summary := stats.Aggregate(tickets)
		summary.Range = rng
		if filter.CounterID != "" {
			summary.Scope, summary.ScopeID = "counter", filter.CounterID
		} else {
			summary.Scope, summary.ScopeID = "room", filter.RoomID
		}
		err = report.WriteXLSX(&buf, tickets, summary)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	} else {
		err = report.WriteCSV(&buf, tickets)
	}
	if err != nil {
		writeError(w, "", http.StatusInternalServerError, "internal_error", "failed to render report")
		return
	}

	filename := fmt.Sprintf("tickets_%s_%s%s", rng.From, rng.To, name[len("tickets"):])
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func decodeRequest(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func mapError(err error) (int, string, string) {
	var transition *store.TransitionError
	switch {
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_state", fmt.Sprintf("cannot %s a %s ticket", transition.Action, transition.Current)
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, stats.ErrInvalidRange):
		return http.StatusBadRequest, "invalid_range", err.Error()
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrRoomNotFound):
		return http.StatusNotFound, "room_not_found", "room not found"
	case errors.Is(err, store.ErrNoWaitingTicket):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has an active ticket"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "ticket belongs to another counter"
	case errors.Is(err, store.ErrSequenceOverflow):
		return http.StatusConflict, "sequence_exhausted", "no ticket numbers left for today"
	case errors.Is(err, store.ErrRequestReused):
		return http.StatusConflict, "request_reused", "request id already used for another counter or day"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "invalid ticket state"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry"
	case errors.Is(err, store.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "duplicate request, try again shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func writeError(w http.ResponseWriter, requestID string, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": requestID,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
