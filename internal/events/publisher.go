// Package events relays committed outbox events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"qms/antrian-service/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
	Close() error
}

type envelope struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	TicketID  string          `json:"ticket_id"`
	RoomID    string          `json:"room_id"`
	CounterID string          `json:"counter_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// Encode renders the wire envelope shared by every publisher.
func Encode(event store.OutboxEvent) ([]byte, error) {
	return json.Marshal(envelope{
		EventID:   event.EventID,
		Type:      event.Type,
		TicketID:  event.TicketID,
		RoomID:    event.RoomID,
		CounterID: event.CounterID,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	})
}

// AMQPPublisher publishes to a durable topic exchange. The routing key is
// the event type, e.g. ticket.called.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.Type,
		Timestamp:    event.CreatedAt.UTC(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}

// LogPublisher is used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	p.logger.Info("ticket event",
		zap.String("event_id", event.EventID),
		zap.String("type", event.Type),
		zap.String("ticket_id", event.TicketID),
		zap.String("counter_id", event.CounterID),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
