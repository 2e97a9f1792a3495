package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryInbox struct {
	mu   sync.Mutex
	seen map[string]events.Type
}

func newMemoryInbox() *memoryInbox {
	return &memoryInbox{seen: map[string]events.Type{}}
}

func (m *memoryInbox) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *memoryInbox) MarkProcessed(ctx context.Context, eventID string, eventType events.Type) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = eventType
	return true, nil
}

func TestGuardRunsHandlerOncePerEventID(t *testing.T) {
	store := newMemoryInbox()
	guard := NewGuard(store, logger.Nop())
	env := events.New("payment-service", "", events.PaymentSucceeded{OrderID: "o-1", PaymentID: "p-1"})

	calls := 0
	handler := guard.Wrap(func(ctx context.Context, env events.Envelope) error {
		calls++
		return Claim(ctx, store, env)
	})

	require.NoError(t, handler(context.Background(), env))
	require.NoError(t, handler(context.Background(), env))

	assert.Equal(t, 1, calls)
	assert.Equal(t, events.TypePaymentSucceeded, store.seen[env.ID()])
}

func TestGuardSwallowsLostClaimRace(t *testing.T) {
	store := newMemoryInbox()
	guard := NewGuard(store, logger.Nop())
	env := events.New("order-service", "", events.OrderCreated{OrderID: "o-1"})

	err := guard.Handle(context.Background(), env, func(ctx context.Context, env events.Envelope) error {
		// a concurrent delivery commits between the guard check and our claim
		_, _ = store.MarkProcessed(ctx, env.ID(), env.Type())
		return Claim(ctx, store, env)
	})

	assert.NoError(t, err)
}

func TestGuardPropagatesHandlerErrors(t *testing.T) {
	store := newMemoryInbox()
	guard := NewGuard(store, logger.Nop())
	env := events.New("order-service", "", events.OrderCreated{OrderID: "o-1"})
	boom := errors.New("db unavailable")

	err := guard.Handle(context.Background(), env, func(ctx context.Context, env events.Envelope) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	processed, _ := store.IsProcessed(context.Background(), env.ID())
	assert.False(t, processed)
}
