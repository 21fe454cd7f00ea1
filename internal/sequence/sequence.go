// Package sequence hands out per-counter, per-day ticket numbers.
package sequence

import (
	"context"
	"fmt"

	"qms/antrian-service/internal/store"
)

const (
	DefaultWidth = 3
	maxWidth     = 9
)

type Allocator struct {
	width int
	limit int
}

func NewAllocator(width int) *Allocator {
	if width <= 0 {
		width = DefaultWidth
	}
	if width > maxWidth {
		width = maxWidth
	}
	limit := 1
	for i := 0; i < width; i++ {
		limit *= 10
	}
	return &Allocator{width: width, limit: limit}
}

func (a *Allocator) Width() int {
	return a.width
}

// Allocate returns max(sequence)+1 for the counter and day. It must run in
// the same transaction that inserts the ticket, after the counter row has
// been locked, so two allocations for one counter and day never overlap.
func (a *Allocator) Allocate(ctx context.Context, tx store.Tx, counterID, serviceDate string) (int, error) {
	current, err := tx.MaxSequence(ctx, counterID, serviceDate)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if next >= a.limit {
		return 0, fmt.Errorf("counter %s on %s: %w", counterID, serviceDate, store.ErrSequenceOverflow)
	}
	return next, nil
}

func (a *Allocator) Format(prefix string, seq int) (string, error) {
	if seq <= 0 || seq >= a.limit {
		return "", fmt.Errorf("sequence %d does not fit %d digits: %w", seq, a.width, store.ErrSequenceOverflow)
	}
	return fmt.Sprintf("%s%0*d", prefix, a.width, seq), nil
}

// Next allocates a sequence and formats its display number with the room prefix.
func (a *Allocator) Next(ctx context.Context, tx store.Tx, info store.CounterInfo, serviceDate string) (int, string, error) {
	seq, err := a.Allocate(ctx, tx, info.Counter.CounterID, serviceDate)
	if err != nil {
		return 0, "", err
	}
	number, err := a.Format(info.Room.Prefix, seq)
	if err != nil {
		return 0, "", err
	}
	return seq, number, nil
}
