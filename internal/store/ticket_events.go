package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/antrian-service/internal/models"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID      string     `json:"ticket_id"`
	RoomID        string     `json:"room_id"`
	CounterID     string     `json:"counter_id"`
	ServiceDate   string     `json:"service_date"`
	Sequence      int        `json:"sequence"`
	DisplayNumber string     `json:"display_number"`
	Status        string     `json:"status"`
	RequestID     string     `json:"request_id,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CalledBy      string     `json:"called_by,omitempty"`
	ServedAt      *time.Time `json:"served_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// EventPayload is the JSON body shared by ticket_events and outbox_events.
func EventPayload(ticket models.Ticket, reason string) (json.RawMessage, error) {
	createdAt := ticket.CreatedAt
	return json.Marshal(eventPayload{
		TicketID:      ticket.TicketID,
		RoomID:        ticket.RoomID,
		CounterID:     ticket.CounterID,
		ServiceDate:   ticket.ServiceDate,
		Sequence:      ticket.Sequence,
		DisplayNumber: ticket.DisplayNumber,
		Status:        string(ticket.Status),
		RequestID:     ticket.RequestID,
		CreatedAt:     &createdAt,
		CalledAt:      ticket.CalledAt,
		CalledBy:      ticket.CalledBy,
		ServedAt:      ticket.ServedAt,
		CompletedAt:   ticket.CompletedAt,
		Notes:         ticket.Notes,
		Reason:        reason,
	})
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows last in a ticket's chain.
// last is nil for the first event.
func NextTicketEvent(last *TicketEvent, ticketID, eventType string, payload json.RawMessage, createdAt time.Time) TicketEvent {
	seq := 1
	prev := ""
	if last != nil {
		seq = last.TicketSeq + 1
		prev = last.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, seq),
	}
}

func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: ticket %s expected seq %d, got %d", ErrBrokenChain, event.TicketID, i+1, event.TicketSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: ticket %s seq %d prev hash mismatch", ErrBrokenChain, event.TicketID, event.TicketSeq)
		}
		if ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq) != event.Hash {
			return fmt.Errorf("%w: ticket %s seq %d hash mismatch", ErrBrokenChain, event.TicketID, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.RoomID != "" {
			ticket.RoomID = payload.RoomID
		}
		if payload.CounterID != "" {
			ticket.CounterID = payload.CounterID
		}
		if payload.ServiceDate != "" {
			ticket.ServiceDate = payload.ServiceDate
		}
		if payload.Sequence != 0 {
			ticket.Sequence = payload.Sequence
		}
		if payload.DisplayNumber != "" {
			ticket.DisplayNumber = payload.DisplayNumber
		}
		if status, ok := models.ParseStatus(payload.Status); ok {
			ticket.Status = status
		}
		if payload.RequestID != "" {
			ticket.RequestID = payload.RequestID
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.CalledBy != "" {
			ticket.CalledBy = payload.CalledBy
		}
		if payload.ServedAt != nil {
			ticket.ServedAt = payload.ServedAt
		}
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
		if payload.Notes != "" {
			ticket.Notes = payload.Notes
		}
	}
	return ticket, nil
}
