package models

import "time"

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var statuses = []Status{StatusWaiting, StatusCalled, StatusServing, StatusCompleted, StatusCancelled}

func ParseStatus(value string) (Status, bool) {
	for _, status := range statuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Active reports whether a ticket in this status occupies its counter.
func (s Status) Active() bool {
	return s == StatusCalled || s == StatusServing
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Ticket struct {
	TicketID      string     `json:"ticket_id"`
	RoomID        string     `json:"room_id"`
	CounterID     string     `json:"counter_id"`
	ServiceDate   string     `json:"service_date"`
	Sequence      int        `json:"sequence"`
	DisplayNumber string     `json:"display_number"`
	Status        Status     `json:"status"`
	RequestID     string     `json:"request_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CalledBy      string     `json:"called_by,omitempty"`
	ServedAt      *time.Time `json:"served_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// WaitDuration is served_at minus created_at. ok is false until the ticket is served.
func (t Ticket) WaitDuration() (time.Duration, bool) {
	if t.ServedAt == nil {
		return 0, false
	}
	return t.ServedAt.Sub(t.CreatedAt), true
}

// ServiceDuration is completed_at minus served_at for completed tickets only.
func (t Ticket) ServiceDuration() (time.Duration, bool) {
	if t.Status != StatusCompleted || t.ServedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.ServedAt), true
}
