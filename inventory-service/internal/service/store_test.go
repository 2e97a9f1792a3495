package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

type memState struct {
	stock        map[string]domain.Stock
	reservations map[string]domain.Reservation
	processed    map[string]events.Type
	outbox       []events.Envelope
}

func (s memState) clone() memState {
	out := memState{
		stock:        make(map[string]domain.Stock, len(s.stock)),
		reservations: make(map[string]domain.Reservation, len(s.reservations)),
		processed:    make(map[string]events.Type, len(s.processed)),
		outbox:       append([]events.Envelope(nil), s.outbox...),
	}
	for k, v := range s.stock {
		out.stock[k] = v
	}
	for k, v := range s.reservations {
		v.Items = append([]types.StockItem(nil), v.Items...)
		out.reservations[k] = v
	}
	for k, v := range s.processed {
		out.processed[k] = v
	}
	return out
}

// memStore commits a transaction by swapping in the mutated copy, so an
// error from fn leaves no trace.
type memStore struct {
	mu    sync.Mutex
	state memState
	// afterRead runs after GetStock releases the lock, letting tests
	// interleave a competing writer.
	afterRead func()
}

func newMemStore(stock map[string]int) *memStore {
	s := &memStore{state: memState{
		stock:        map[string]domain.Stock{},
		reservations: map[string]domain.Reservation{},
		processed:    map[string]events.Type{},
	}}
	for id, available := range stock {
		s.state.stock[id] = domain.Stock{ProductID: id, Available: available, Version: 1}
	}
	return s
}

func (s *memStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.processed[eventID]
	return ok, nil
}

func (s *memStore) GetStock(ctx context.Context, productIDs []string) (map[string]domain.Stock, error) {
	s.mu.Lock()
	out := map[string]domain.Stock{}
	for _, id := range productIDs {
		if st, ok := s.state.stock[id]; ok {
			out[id] = st
		}
	}
	s.mu.Unlock()
	if hook := s.afterRead; hook != nil {
		hook()
	}
	return out, nil
}

func (s *memStore) GetReservationByOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.reservations[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
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

func (t *memTx) ReserveStock(ctx context.Context, productID string, qty int, version int64) error {
	st, ok := t.state.stock[productID]
	if !ok || st.Version != version || st.Available < qty {
		return repository.ErrVersionConflict
	}
	st.Available -= qty
	st.Reserved += qty
	st.Version++
	t.state.stock[productID] = st
	return nil
}

func (t *memTx) AdjustStock(ctx context.Context, productID string, availableDelta, reservedDelta int) error {
	st, ok := t.state.stock[productID]
	if !ok || st.Available+availableDelta < 0 || st.Reserved+reservedDelta < 0 {
		return repository.ErrNotFound
	}
	st.Available += availableDelta
	st.Reserved += reservedDelta
	st.Version++
	t.state.stock[productID] = st
	return nil
}

func (t *memTx) SetAvailable(ctx context.Context, productID string, available int) (domain.Stock, error) {
	st := t.state.stock[productID]
	st.ProductID = productID
	st.Available = available
	st.Version++
	t.state.stock[productID] = st
	return st, nil
}

func (t *memTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	if _, ok := t.state.reservations[r.OrderID]; ok {
		return repository.ErrReservationExists
	}
	t.state.reservations[r.OrderID] = *r
	return nil
}

func (t *memTx) LockReservationByOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	r, ok := t.state.reservations[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

func (t *memTx) ClaimExpiredReservation(ctx context.Context, now time.Time) (*domain.Reservation, error) {
	var due []domain.Reservation
	for _, r := range t.state.reservations {
		if r.Status == types.ReservationStatusReserved && r.ExpiresAt.Before(now) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	return &due[0], nil
}

func (t *memTx) UpdateReservation(ctx context.Context, r *domain.Reservation, from types.ReservationStatus) error {
	cur, ok := t.state.reservations[r.OrderID]
	if !ok || cur.Status != from {
		return repository.ErrVersionConflict
	}
	t.state.reservations[r.OrderID] = *r
	return nil
}
