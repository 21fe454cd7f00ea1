// Package stats computes queue KPIs on read from ticket timestamps.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"
)

var ErrInvalidRange = errors.New("invalid date range")

// Range is an inclusive span of service dates.
type Range struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Summary struct {
	Scope             string                `json:"scope"`
	ScopeID           string                `json:"scope_id"`
	Range             Range                 `json:"range"`
	Total             int                   `json:"total"`
	ByStatus          map[models.Status]int `json:"by_status"`
	AvgWaitSeconds    float64               `json:"avg_wait_seconds"`
	P90WaitSeconds    float64               `json:"p90_wait_seconds"`
	WaitSamples       int                   `json:"wait_samples"`
	AvgServiceSeconds float64               `json:"avg_service_seconds"`
	ServiceSamples    int                   `json:"service_samples"`
	ThroughputPerHour float64               `json:"throughput_per_hour"`
	Days              []Day                 `json:"days"`
}

type Day struct {
	Date              string  `json:"date"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Cancelled         int     `json:"cancelled"`
	AvgWaitSeconds    float64 `json:"avg_wait_seconds"`
	AvgServiceSeconds float64 `json:"avg_service_seconds"`
}

// Aggregate summarizes tickets in one pass. Wait time is served_at minus
// created_at over tickets that were served; service time is completed_at
// minus served_at over completed tickets. Tickets missing a timestamp are
// left out of that metric entirely.
func Aggregate(tickets []models.Ticket) Summary {
	summary := Summary{ByStatus: make(map[models.Status]int)}
	var waits []float64
	var serviceTotal float64
	var firstServed, lastCompleted time.Time
	days := make(map[string]*dayAcc)

	for _, ticket := range tickets {
		summary.Total++
		summary.ByStatus[ticket.Status]++

		day, ok := days[ticket.ServiceDate]
		if !ok {
			day = &dayAcc{Day: Day{Date: ticket.ServiceDate}}
			days[ticket.ServiceDate] = day
		}
		day.Total++
		switch ticket.Status {
		case models.StatusCompleted:
			day.Completed++
		case models.StatusCancelled:
			day.Cancelled++
		}

		if wait, ok := ticket.WaitDuration(); ok {
			waits = append(waits, wait.Seconds())
			day.wait.add(wait.Seconds())
		}
		if service, ok := ticket.ServiceDuration(); ok {
			serviceTotal += service.Seconds()
			summary.ServiceSamples++
			day.service.add(service.Seconds())
			if firstServed.IsZero() || ticket.ServedAt.Before(firstServed) {
				firstServed = *ticket.ServedAt
			}
			if ticket.CompletedAt.After(lastCompleted) {
				lastCompleted = *ticket.CompletedAt
			}
		}
	}

	summary.WaitSamples = len(waits)
	if len(waits) > 0 {
		var total float64
		for _, wait := range waits {
			total += wait
		}
		summary.AvgWaitSeconds = total / float64(len(waits))
		summary.P90WaitSeconds = percentile(waits, 0.9)
	}
	if summary.ServiceSamples > 0 {
		summary.AvgServiceSeconds = serviceTotal / float64(summary.ServiceSamples)
		if hours := lastCompleted.Sub(firstServed).Hours(); hours > 0 {
			summary.ThroughputPerHour = float64(summary.ServiceSamples) / hours
		}
	}

	summary.Days = make([]Day, 0, len(days))
	for _, day := range days {
		day.AvgWaitSeconds = day.wait.mean()
		day.AvgServiceSeconds = day.service.mean()
		summary.Days = append(summary.Days, day.Day)
	}
	sort.Slice(summary.Days, func(i, j int) bool { return summary.Days[i].Date < summary.Days[j].Date })
	return summary
}

type dayAcc struct {
	Day
	wait    meanAcc
	service meanAcc
}

type meanAcc struct {
	sum   float64
	count int
}

func (m *meanAcc) add(value float64) {
	m.sum += value
	m.count++
}

func (m meanAcc) mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// percentile uses nearest rank.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// Source is the read side the stats service needs: the directory to
// resolve scopes and the ticket listing to aggregate.
type Source interface {
	store.Directory
	store.TicketReader
}

type Service struct {
	tickets Source
	today   func() string
}

func NewService(tickets Source, today func() string) *Service {
	return &Service{tickets: tickets, today: today}
}

// ForCounter fails with store.ErrCounterNotFound for an unknown counter.
func (s *Service) ForCounter(ctx context.Context, counterID string, r Range) (Summary, error) {
	info, err := s.tickets.LookupCounter(ctx, counterID)
	if err != nil {
		return Summary{}, err
	}
	return s.summarize(ctx, "counter", store.TicketFilter{CounterID: info.Counter.CounterID}, r)
}

// ForRoom fails with store.ErrRoomNotFound for an unknown room.
func (s *Service) ForRoom(ctx context.Context, roomID string, r Range) (Summary, error) {
	if _, err := s.tickets.ListRoomCounters(ctx, roomID); err != nil {
		return Summary{}, err
	}
	return s.summarize(ctx, "room", store.TicketFilter{RoomID: roomID}, r)
}

func (s *Service) Tickets(ctx context.Context, filter store.TicketFilter, r Range) ([]models.Ticket, Range, error) {
	r, err := s.normalize(r)
	if err != nil {
		return nil, r, err
	}
	filter.From = r.From
	filter.To = r.To
	filter.Order = store.OrderQueue
	tickets, err := s.tickets.ListTickets(ctx, filter)
	return tickets, r, err
}

func (s *Service) summarize(ctx context.Context, scope string, filter store.TicketFilter, r Range) (Summary, error) {
	tickets, r, err := s.Tickets(ctx, filter, r)
	if err != nil {
		return Summary{}, err
	}
	summary := Aggregate(tickets)
	summary.Scope = scope
	summary.ScopeID = filter.CounterID + filter.RoomID
	summary.Range = r
	return summary, nil
}

func (s *Service) normalize(r Range) (Range, error) {
	r.From = strings.TrimSpace(r.From)
	r.To = strings.TrimSpace(r.To)
	if r.From == "" && r.To == "" {
		today := s.today()
		return Range{From: today, To: today}, nil
	}
	if r.From == "" {
		r.From = r.To
	}
	if r.To == "" {
		r.To = r.From
	}
	from, err := models.ParseServiceDate(r.From)
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	to, err := models.ParseServiceDate(r.To)
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if to.Before(from) {
		return r, fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, r.From, r.To)
	}
	return r, nil
}
