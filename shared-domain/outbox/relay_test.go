package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	rows []Event
}

func (s *memoryStore) add(t *testing.T, env events.Envelope) {
	t.Helper()
	ev, err := FromEnvelope(env)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.rows) + 1)
	s.rows = append(s.rows, ev)
}

func (s *memoryStore) PublishPending(ctx context.Context, limit int, publish PublishFunc) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []int
	for i, ev := range s.rows {
		if !ev.Published {
			pending = append(pending, i)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		return s.rows[pending[a]].CreatedAt.Before(s.rows[pending[b]].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	res := BatchResult{Claimed: len(pending)}
	for _, i := range pending {
		if err := publish(ctx, s.rows[i]); err != nil {
			res.Failed++
			continue
		}
		now := time.Now()
		s.rows[i].Published = true
		s.rows[i].PublishedAt = &now
		res.Published++
	}
	return res, nil
}

func (s *memoryStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	var n int64
	for _, ev := range s.rows {
		if ev.Published && ev.PublishedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	s.rows = kept
	return n, nil
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Publish(ctx context.Context, msg messaging.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func testRelay(store Store, sink Sink) *Relay {
	return NewRelay(store, sink, config.Outbox{
		PollInterval:    10 * time.Millisecond,
		BatchSize:       10,
		PublishAttempts: 2,
	}, logger.Nop())
}

func envAt(t time.Time, payload events.Payload) events.Envelope {
	env := events.New("order-service", "corr-1", payload)
	env.Metadata.Timestamp = t
	return env
}

func TestFromEnvelope(t *testing.T) {
	env := events.New("payment-service", "corr-9", events.PaymentSucceeded{PaymentID: "pay-1", OrderID: "o-1"})

	ev, err := FromEnvelope(env)

	require.NoError(t, err)
	assert.Equal(t, env.Metadata.EventID, ev.EventID)
	assert.Equal(t, events.AggregatePayment, ev.AggregateType)
	assert.Equal(t, "pay-1", ev.AggregateID)
	assert.Equal(t, events.TopicPayments, ev.Topic)
	assert.Equal(t, "corr-9", ev.CorrelationID)
	decoded, err := events.Decode(ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, env.Metadata.EventID, decoded.ID())
}

func TestPublishOnceShipsPendingRowsInCreationOrder(t *testing.T) {
	// Arrange
	store := &memoryStore{}
	base := time.Now().Add(-time.Minute)
	store.add(t, envAt(base.Add(2*time.Second), events.PaymentRequested{OrderID: "o-1", AttemptNumber: 1}))
	store.add(t, envAt(base, events.OrderCreated{OrderID: "o-1"}))

	var order []events.Type
	sink := &mockSink{}
	sink.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, args.Get(1).(messaging.Message).EventType)
	}).Return(nil)

	relay := testRelay(store, sink)

	// Act
	res, err := relay.PublishOnce(context.Background())
	again, err2 := relay.PublishOnce(context.Background())

	// Assert
	require.NoError(t, err)
	require.NoError(t, err2)
	assert.Equal(t, BatchResult{Claimed: 2, Published: 2}, res)
	assert.Equal(t, BatchResult{}, again)
	assert.Equal(t, []events.Type{events.TypeOrderCreated, events.TypePaymentRequested}, order)
	sink.AssertNumberOfCalls(t, "Publish", 2)
}

func TestFailedRowStaysPendingAndHoldsBackItsAggregate(t *testing.T) {
	store := &memoryStore{}
	base := time.Now().Add(-time.Minute)
	store.add(t, envAt(base, events.OrderCreated{OrderID: "o-bad"}))
	store.add(t, envAt(base.Add(time.Second), events.OrderCreated{OrderID: "o-good"}))
	store.add(t, envAt(base.Add(2*time.Second), events.OrderCancelled{OrderID: "o-bad"}))

	sink := &mockSink{}
	sink.On("Publish", mock.Anything, mock.MatchedBy(func(m messaging.Message) bool { return m.Key == "o-bad" })).
		Return(errors.New("broker unavailable"))
	sink.On("Publish", mock.Anything, mock.Anything).Return(nil)

	relay := testRelay(store, sink)

	res, err := relay.PublishOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 2, res.Failed)
	// two attempts for the failing row, none for the row behind it
	sink.AssertNumberOfCalls(t, "Publish", 3)

	var pending []string
	for _, ev := range store.rows {
		if !ev.Published {
			pending = append(pending, ev.AggregateID+":"+string(ev.EventType))
		}
	}
	assert.Equal(t, []string{"o-bad:OrderCreated", "o-bad:OrderCancelled"}, pending)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &memoryStore{}
	store.add(t, envAt(time.Now(), events.OrderCreated{OrderID: "o-1"}))
	sink := &mockSink{}
	sink.On("Publish", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- testRelay(store, sink).Run(ctx) }()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.rows[0].Published
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
