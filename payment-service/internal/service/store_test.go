package service

import (
	"context"
	"sync"

	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/gateway"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/stretchr/testify/mock"
)

type memState struct {
	payments  map[string]domain.Payment // by order id
	processed map[string]events.Type
	outbox    []events.Envelope
}

func (s memState) clone() memState {
	out := memState{
		payments:  make(map[string]domain.Payment, len(s.payments)),
		processed: make(map[string]events.Type, len(s.processed)),
		outbox:    append([]events.Envelope(nil), s.outbox...),
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.processed {
		out.processed[k] = v
	}
	return out
}

type memStore struct {
	mu    sync.Mutex
	state memState
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		payments:  map[string]domain.Payment{},
		processed: map[string]events.Type{},
	}}
}

func (s *memStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.processed[eventID]
	return ok, nil
}

func (s *memStore) find(match func(p domain.Payment) bool) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.state.payments {
		if match(p) {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	return s.find(func(p domain.Payment) bool { return p.IdempotencyKey == key })
}

func (s *memStore) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return s.find(func(p domain.Payment) bool { return p.OrderID == orderID })
}

func (s *memStore) GetByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error) {
	return s.find(func(p domain.Payment) bool { return transactionID != "" && p.TransactionID == transactionID })
}

func (s *memStore) GetByRefundKey(ctx context.Context, key string) (*domain.Payment, error) {
	return s.find(func(p domain.Payment) bool { return key != "" && p.RefundIdempotencyKey == key })
}

func (s *memStore) RunInTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{state: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) snapshot() memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *memStore) outboxOf(t events.Type) []events.Envelope {
	var out []events.Envelope
	for _, env := range s.snapshot().outbox {
		if env.Type() == t {
			out = append(out, env)
		}
	}
	return out
}

type memTx struct {
	state *memState
}

func (t *memTx) MarkProcessed(ctx context.Context, eventID string, eventType events.Type) (bool, error) {
	if _, ok := t.state.processed[eventID]; ok {
		return false, nil
	}
	t.state.processed[eventID] = eventType
	return true, nil
}

func (t *memTx) AppendOutbox(ctx context.Context, env events.Envelope) error {
	t.state.outbox = append(t.state.outbox, env)
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	for _, cur := range t.state.payments {
		if cur.OrderID == p.OrderID || cur.IdempotencyKey == p.IdempotencyKey {
			return repository.ErrDuplicate
		}
	}
	p.Version = 1
	t.state.payments[p.OrderID] = *p
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	cur, ok := t.state.payments[p.OrderID]
	if !ok || cur.Version != p.Version {
		return repository.ErrStale
	}
	p.Version++
	t.state.payments[p.OrderID] = *p
	return nil
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.ChargeResult), args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.RefundResult), args.Error(1)
}
