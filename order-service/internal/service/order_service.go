package service

import (
	"context"
	"errors"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const source = "order-service"

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

type Config struct {
	MaxPaymentAttempts int
}

func NewConfig(src *config.Source) Config {
	return Config{
		MaxPaymentAttempts: src.Int("ORDER_MAX_PAYMENT_ATTEMPTS", 3),
	}
}

type OrderService struct {
	store       repository.Store
	policy      domain.Policy
	log         *logger.Logger
	now         func() time.Time
	transitions metric.Int64Counter
}

func NewOrderService(store repository.Store, cfg Config, log *logger.Logger) *OrderService {
	if cfg.MaxPaymentAttempts < 1 {
		cfg.MaxPaymentAttempts = 1
	}
	return &OrderService{
		store:       store,
		policy:      domain.Policy{MaxPaymentAttempts: cfg.MaxPaymentAttempts},
		log:         log.With("component", "order_service"),
		now:         func() time.Time { return time.Now().UTC() },
		transitions: telemetry.Counter("order.transitions", "Order status transitions by target status"),
	}
}

// CreateOrder persists a PENDING order and its OrderCreated event in one
// transaction. Resubmitting a request with a known idempotency key or order
// id returns the stored order without emitting again.
func (s *OrderService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	order := domain.NewOrder(req, s.now())
	log := s.log.With("order_id", order.ID, "customer_id", order.CustomerID)

	if existing, err := s.existing(ctx, order); err != nil || existing != nil {
		if existing != nil {
			log.Info("order already exists", "status", existing.Status)
		}
		return existing, false, err
	}

	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		created := events.New(source, order.CorrelationID, order.Created())
		if err := tx.AppendOrderEvent(ctx, domain.OrderEvent{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			EventType:   created.Type(),
			ToStatus:    order.Status,
			CausationID: created.ID(),
			Details:     "order created",
			CreatedAt:   order.CreatedAt,
		}); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, created)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// a concurrent submission of the same request won
		existing, lookupErr := s.existing(ctx, order)
		if lookupErr != nil || existing == nil {
			return nil, false, apperr.Technical(apperr.CodeConcurrentModification, err, "order_id", order.ID)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apperr.Technical(apperr.CodeStorage, err)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(order.Status))))
	log.Info("order created", "total_amount", order.TotalAmount, "items", len(order.Items))
	return order, true, nil
}

func (s *OrderService) existing(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	o, err := s.store.GetByIdempotencyKey(ctx, order.IdempotencyKey)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	o, err = s.store.GetOrder(ctx, order.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return o, nil
}

// HandleEvent advances the order named by env. The inbox claim, the order
// update, its audit trail and every follow-up event commit together.
func (s *OrderService) HandleEvent(ctx context.Context, env events.Envelope) error {
	orderID := env.Payload.OrderRef()
	log := s.log.With("order_id", orderID, "event_type", env.Type(), "event_id", env.ID(),
		"correlation_id", env.Metadata.CorrelationID)

	var outcome domain.Outcome
	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, env); err != nil {
			return err
		}
		order, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("event for unknown order")
			outcome = domain.Outcome{Ignored: "unknown order"}
			return nil
		}
		if err != nil {
			return apperr.Technical(apperr.CodeStorage, err)
		}

		outcome = order.Apply(env.Payload, s.policy, s.now())
		if !outcome.Changed() {
			return nil
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		for _, step := range outcome.Steps {
			if err := tx.AppendOrderEvent(ctx, domain.OrderEvent{
				ID:          uuid.NewString(),
				OrderID:     order.ID,
				EventType:   env.Type(),
				FromStatus:  step.From,
				ToStatus:    step.To,
				CausationID: env.ID(),
				Details:     step.Details,
				CreatedAt:   order.UpdatedAt,
			}); err != nil {
				return err
			}
		}
		for _, p := range outcome.Emit {
			if err := tx.AppendOutbox(ctx, env.Caused(source, p)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrStale) {
		return apperr.Technical(apperr.CodeConcurrentModification, err, "order_id", orderID)
	}
	if err != nil {
		return err
	}

	if !outcome.Changed() {
		log.Info("event ignored", "reason", outcome.Ignored)
		return nil
	}
	for _, step := range outcome.Steps {
		if step.From != step.To {
			s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(step.To))))
		}
		log.Info("order advanced", "from", step.From, "to", step.To, "details", step.Details)
	}
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Business(apperr.CodeNotFound, "order not found", "order_id", id)
	}
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return o, nil
}

// ListEvents returns the audit trail of an order, oldest first.
func (s *OrderService) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	out, err := s.store.ListEvents(ctx, orderID)
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return out, nil
}

func (s *OrderService) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*domain.Order, error) {
	if customerID == "" {
		return nil, apperr.Business(apperr.CodeValidation, "customer id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	orders, err := s.store.ListByCustomer(ctx, customerID, limit)
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return orders, nil
}
