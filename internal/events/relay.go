package events

import (
	"context"
	"time"

	"qms/antrian-service/internal/store"

	"go.uber.org/zap"
)

const DefaultConsumer = "antrian-relay"

type RelayOptions struct {
	Consumer     string
	PollInterval time.Duration
	BatchSize    int
	// Settle holds back events younger than this so a transaction that
	// commits late with an older created_at is not skipped.
	Settle time.Duration
}

type Relay struct {
	store     store.OutboxStore
	publisher Publisher
	logger    *zap.Logger
	consumer  string
	interval  time.Duration
	batch     int
	settle    time.Duration
	now       func() time.Time
}

func NewRelay(st store.OutboxStore, publisher Publisher, logger *zap.Logger, options RelayOptions) *Relay {
	consumer := options.Consumer
	if consumer == "" {
		consumer = DefaultConsumer
	}
	interval := options.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	batch := options.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		store:     st,
		publisher: publisher,
		logger:    logger.Named("relay"),
		consumer:  consumer,
		interval:  interval,
		batch:     batch,
		settle:    options.Settle,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			published, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("relay batch failed", zap.Int("published", published), zap.Error(err))
				continue
			}
			if published > 0 {
				r.logger.Debug("relay batch published", zap.Int("published", published))
			}
		}
	}
}

// RunOnce publishes one batch in outbox order and advances the stored
// offset past every event that was published. Delivery is at least once.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	offset, err := r.store.GetOutboxOffset(ctx, r.consumer)
	if err != nil {
		return 0, err
	}
	events, err := r.store.ListOutboxEvents(ctx, offset, r.now().UTC().Add(-r.settle), r.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	var publishErr error
	for _, event := range events {
		if publishErr = r.publisher.Publish(ctx, event); publishErr != nil {
			break
		}
		offset = store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
		published++
	}
	if published > 0 {
		if err := r.store.SaveOutboxOffset(ctx, r.consumer, offset); err != nil {
			return published, err
		}
	}
	return published, publishErr
}
