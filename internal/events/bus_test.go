package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-digistore/internal/events"
	"github.com/noah-isme/backend-digistore/internal/store"
)

type stubStore struct {
	lastTopic   string
	lastPayload []byte
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic string, aggregateID pgtype.UUID, payload []byte) (store.DomainEvent, error) {
	s.lastTopic = topic
	s.lastPayload = payload
	id := uuid.New()
	return store.DomainEvent{
		ID:          pgtype.UUID{Bytes: id, Valid: true},
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  pgtype.Timestamptz{Time: time.Now(), Valid: true},
	}, nil
}

type captureNotifier struct {
	events []store.DomainEvent
}

func (c *captureNotifier) Notify(_ context.Context, event store.DomainEvent) error {
	c.events = append(c.events, event)
	return nil
}

func toUUID(u uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: u, Valid: true}
}

func TestEmitPersistsEvent(t *testing.T) {
	stub := &stubStore{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     stub,
		Notifiers: []events.Notifier{notifier},
	}

	aggregate := uuid.New()
	payload := map[string]any{"merchantTxnId": "TXN-123"}
	ctx := context.Background()
	event, err := bus.Emit(ctx, events.TopicPurchasePaid, toUUID(aggregate), payload)
	require.NoError(t, err)
	require.Equal(t, events.TopicPurchasePaid, stub.lastTopic)
	require.JSONEq(t, `{"merchantTxnId":"TXN-123"}`, string(stub.lastPayload))
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, notifier.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "TXN-123", decoded["merchantTxnId"])
}

func TestEmitRejectsInvalidJSONPayload(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), events.TopicPurchaseFailed, toUUID(uuid.New()), []byte("{not json"))
	require.Error(t, err)
}
