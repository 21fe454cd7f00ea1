package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"qms/antrian-service/internal/engine"
	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/store"
	"qms/antrian-service/internal/store/memory"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	events  []store.OutboxEvent
	failOn  int
	failErr error
}

func (p *recordingPublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	if p.failOn > 0 && len(p.events)+1 == p.failOn {
		return p.failErr
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	return nil
}

func seededEngine(t *testing.T) (*memory.Store, *engine.Engine) {
	t.Helper()
	st := memory.NewStore()
	st.PutRoom(models.Room{RoomID: "room-a", Prefix: "A", Active: true})
	st.PutCounter(models.Counter{CounterID: "counter-1", RoomID: "room-a", Active: true})
	return st, engine.New(st, nil, zap.NewNop(), engine.Options{})
}

func TestRelayPublishesInOrderAndAdvancesOffset(t *testing.T) {
	st, e := seededEngine(t)
	ctx := context.Background()

	ticket, err := e.CreateTicket(ctx, engine.CreateTicketInput{CounterID: "counter-1"})
	require.NoError(t, err)
	_, err = e.CallNext(ctx, engine.CallNextInput{CounterID: "counter-1", OperatorID: "op"})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, zap.NewNop(), RelayOptions{})
	relay.now = func() time.Time { return time.Now().Add(time.Minute) }

	published, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, published)
	require.Equal(t, store.EventCreated, pub.events[0].Type)
	require.Equal(t, store.EventCalled, pub.events[1].Type)
	require.Equal(t, ticket.TicketID, pub.events[1].TicketID)

	published, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, published)

	offset, err := st.GetOutboxOffset(ctx, DefaultConsumer)
	require.NoError(t, err)
	require.Equal(t, pub.events[1].EventID, offset.LastEventID)
}

func TestRelayStopsAtFailedPublish(t *testing.T) {
	st, e := seededEngine(t)
	ctx := context.Background()

	_, err := e.CreateTicket(ctx, engine.CreateTicketInput{CounterID: "counter-1"})
	require.NoError(t, err)
	_, err = e.CallNext(ctx, engine.CallNextInput{CounterID: "counter-1", OperatorID: "op"})
	require.NoError(t, err)

	brokerDown := errors.New("broker down")
	pub := &recordingPublisher{failOn: 2, failErr: brokerDown}
	relay := NewRelay(st, pub, zap.NewNop(), RelayOptions{})
	relay.now = func() time.Time { return time.Now().Add(time.Minute) }

	published, err := relay.RunOnce(ctx)
	require.ErrorIs(t, err, brokerDown)
	require.Equal(t, 1, published)

	pub.failOn = 0
	published, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, published)
	require.Len(t, pub.events, 2)
	require.Equal(t, store.EventCalled, pub.events[1].Type)
}

func TestRelaySettleHoldsBackFreshEvents(t *testing.T) {
	st, e := seededEngine(t)
	ctx := context.Background()
	_, err := e.CreateTicket(ctx, engine.CreateTicketInput{CounterID: "counter-1"})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, zap.NewNop(), RelayOptions{Settle: time.Hour})
	published, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
}

func TestEnvelope(t *testing.T) {
	created := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	body, err := Encode(store.OutboxEvent{
		EventID:   "evt-1",
		Type:      store.EventCalled,
		TicketID:  "t-1",
		Payload:   json.RawMessage(`{"display_number":"A001"}`),
		CreatedAt: created,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "ticket.called", decoded["type"])
	require.Equal(t, "A001", decoded["payload"].(map[string]interface{})["display_number"])
	require.Equal(t, "2026-01-12T08:00:00.000000Z", decoded["created_at"])
}

func TestRunStopsOnCancel(t *testing.T) {
	st, _ := seededEngine(t)
	relay := NewRelay(st, NewLogPublisher(zap.NewNop()), zap.NewNop(), RelayOptions{PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
