package service

import (
	"context"
	"sort"
	"sync"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
)

type memState struct {
	orders    map[string]domain.Order
	trail     []domain.OrderEvent
	processed map[string]events.Type
	outbox    []events.Envelope
}

func (s memState) clone() memState {
	out := memState{
		orders:    make(map[string]domain.Order, len(s.orders)),
		trail:     append([]domain.OrderEvent(nil), s.trail...),
		processed: make(map[string]events.Type, len(s.processed)),
		outbox:    append([]events.Envelope(nil), s.outbox...),
	}
	for k, v := range s.orders {
		out.orders[k] = v
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
		orders:    map[string]domain.Order{},
		processed: map[string]events.Type{},
	}}
}

func (s *memStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.processed[eventID]
	return ok, nil
}

func (s *memStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (s *memStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.state.orders {
		if o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Order
	for _, o := range s.state.orders {
		if o.CustomerID == customerID {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderEvent
	for _, e := range s.state.trail {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
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

func (t *memTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	for _, cur := range t.state.orders {
		if cur.ID == o.ID || cur.IdempotencyKey == o.IdempotencyKey {
			return repository.ErrDuplicate
		}
	}
	o.Version = 1
	t.state.orders[o.ID] = *o
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	cur, ok := t.state.orders[o.ID]
	if !ok || cur.Version != o.Version {
		return repository.ErrStale
	}
	o.Version++
	t.state.orders[o.ID] = *o
	return nil
}

func (t *memTx) AppendOrderEvent(ctx context.Context, e domain.OrderEvent) error {
	t.state.trail = append(t.state.trail, e)
	return nil
}
