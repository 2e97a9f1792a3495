package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const source = "inventory-service"

type Config struct {
	ReservationTTL time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

func NewConfig(src *config.Source) Config {
	return Config{
		ReservationTTL: src.Duration("RESERVATION_TTL", 15*time.Minute),
		MaxRetries:     src.Int("RESERVATION_MAX_RETRIES", 5),
		RetryBackoff:   src.Duration("RESERVATION_RETRY_BACKOFF", 20*time.Millisecond),
		SweepInterval:  src.Duration("RESERVATION_SWEEP_INTERVAL", time.Minute),
		SweepBatch:     src.Int("RESERVATION_SWEEP_BATCH", 100),
	}
}

type InventoryService struct {
	store     repository.Store
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	conflicts metric.Int64Counter
}

func NewInventoryService(store repository.Store, cfg Config, log *logger.Logger) *InventoryService {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &InventoryService{
		store:     store,
		cfg:       cfg,
		log:       log.With("component", "inventory_service"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
		conflicts: telemetry.Counter("inventory.version_conflicts", "Stock updates retried after a concurrent writer won"),
	}
}

// Reserve holds stock for every item of an order, all or nothing. A shortfall
// is recorded as InventoryReservationFailed; a stock row changing underneath
// the update is retried up to MaxRetries before surfacing as a technical
// CONCURRENT_MODIFICATION error.
func (s *InventoryService) Reserve(ctx context.Context, cause events.Envelope, orderID string, items []types.StockItem) error {
	items = types.MergeStockItems(items)
	log := s.log.With("order_id", orderID, "correlation_id", cause.Metadata.CorrelationID)

	if err := domain.ValidateItems(items); err != nil {
		log.Warn("reservation rejected", "error", err)
		return s.store.RunInTx(ctx, func(tx repository.Tx) error {
			if err := inbox.Claim(ctx, tx, cause); err != nil {
				return err
			}
			return tx.AppendOutbox(ctx, cause.Caused(source, events.InventoryReservationFailed{
				OrderID:       orderID,
				FailureReason: err.Error(),
				FailureCode:   apperr.CodeOf(err),
			}))
		})
	}

	for attempt := 1; ; attempt++ {
		err := s.tryReserve(ctx, cause, orderID, items, log)
		if !errors.Is(err, repository.ErrVersionConflict) && !errors.Is(err, repository.ErrReservationExists) {
			return err
		}
		s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "reserve")))
		if attempt >= s.cfg.MaxRetries {
			log.Error("reservation retries exhausted", "attempts", attempt)
			return apperr.Technical(apperr.CodeConcurrentModification, err, "order_id", orderID, "attempts", attempt)
		}
		log.Debug("stock changed concurrently, retrying", "attempt", attempt)
		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			return err
		}
	}
}

func (s *InventoryService) tryReserve(ctx context.Context, cause events.Envelope, orderID string, items []types.StockItem, log *logger.Logger) error {
	existing, err := s.store.GetReservationByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return apperr.Technical(apperr.CodeStorage, err)
	}
	if existing != nil {
		log.Info("order already has a reservation", "reservation_id", existing.ID, "status", existing.Status)
		return s.store.RunInTx(ctx, func(tx repository.Tx) error {
			return inbox.Claim(ctx, tx, cause)
		})
	}

	stock, err := s.store.GetStock(ctx, productIDs(items))
	if err != nil {
		return apperr.Technical(apperr.CodeStorage, err)
	}

	if shortfalls := domain.Shortfalls(stock, items); len(shortfalls) > 0 {
		code := domain.ShortfallCode(stock, shortfalls)
		log.Info("insufficient stock", "code", code, "shortfalls", shortfalls)
		return s.store.RunInTx(ctx, func(tx repository.Tx) error {
			if err := inbox.Claim(ctx, tx, cause); err != nil {
				return err
			}
			return tx.AppendOutbox(ctx, cause.Caused(source, events.InventoryReservationFailed{
				OrderID:       orderID,
				FailureReason: "insufficient inventory",
				FailureCode:   code,
				Items:         shortfalls,
			}))
		})
	}

	reservation := domain.NewReservation(orderID, cause.Metadata.CorrelationID, items, s.cfg.ReservationTTL, s.now())
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, cause); err != nil {
			return err
		}
		// items are sorted by product id, so concurrent reservations touch
		// rows in the same order
		for _, item := range items {
			if err := tx.ReserveStock(ctx, item.ProductID, item.Quantity, stock[item.ProductID].Version); err != nil {
				return err
			}
		}
		if err := tx.InsertReservation(ctx, reservation); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, cause.Caused(source, events.InventoryReserved{
			ReservationID: reservation.ID,
			OrderID:       orderID,
			Items:         items,
			ExpiresAt:     reservation.ExpiresAt,
		}))
	})
	if err == nil {
		log.Info("inventory reserved", "reservation_id", reservation.ID, "expires_at", reservation.ExpiresAt)
	}
	return err
}

// Commit consumes the reserved stock of an order. Committing twice is a
// no-op, as is committing a reservation that was already released.
func (s *InventoryService) Commit(ctx context.Context, cause events.Envelope, orderID string) error {
	log := s.log.With("order_id", orderID, "correlation_id", cause.Metadata.CorrelationID)
	return s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, cause); err != nil {
			return err
		}
		r, err := tx.LockReservationByOrder(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("commit requested for unknown reservation")
			return nil
		}
		if err != nil {
			return apperr.Technical(apperr.CodeStorage, err)
		}
		if !r.IsActive() {
			log.Info("commit ignored", "reservation_id", r.ID, "status", r.Status)
			return nil
		}

		if err := r.Commit(s.now()); err != nil {
			return err
		}
		for _, item := range r.Items {
			if err := tx.AdjustStock(ctx, item.ProductID, 0, -item.Quantity); err != nil {
				return apperr.Technical(apperr.CodeStorage, err)
			}
		}
		if err := tx.UpdateReservation(ctx, r, types.ReservationStatusReserved); err != nil {
			return apperr.Technical(apperr.CodeStorage, err)
		}
		log.Info("inventory committed", "reservation_id", r.ID)
		return tx.AppendOutbox(ctx, cause.Caused(source, events.InventoryCommitted{
			ReservationID: r.ID,
			OrderID:       orderID,
			Items:         r.Items,
		}))
	})
}

// Release returns reserved stock to available. Already released, expired or
// missing reservations are left alone.
func (s *InventoryService) Release(ctx context.Context, cause events.Envelope, orderID, reason string) error {
	log := s.log.With("order_id", orderID, "correlation_id", cause.Metadata.CorrelationID)
	return s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, cause); err != nil {
			return err
		}
		r, err := tx.LockReservationByOrder(ctx, orderID)
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("release requested for unknown reservation")
			return nil
		}
		if err != nil {
			return apperr.Technical(apperr.CodeStorage, err)
		}
		if !r.IsActive() {
			log.Info("release ignored", "reservation_id", r.ID, "status", r.Status)
			return nil
		}

		if err := r.Release(reason, s.now()); err != nil {
			return err
		}
		if err := s.restock(ctx, tx, r); err != nil {
			return err
		}
		log.Info("inventory released", "reservation_id", r.ID, "reason", reason)
		return tx.AppendOutbox(ctx, cause.Caused(source, events.InventoryReleased{
			ReservationID: r.ID,
			OrderID:       orderID,
			Items:         r.Items,
			Reason:        reason,
		}))
	})
}

// SweepExpired releases reservations whose deadline passed, one transaction
// per reservation, and returns how many it expired.
func (s *InventoryService) SweepExpired(ctx context.Context) (int, error) {
	expired := 0
	for expired < s.cfg.SweepBatch || s.cfg.SweepBatch <= 0 {
		done := false
		err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
			now := s.now()
			r, err := tx.ClaimExpiredReservation(ctx, now)
			if errors.Is(err, repository.ErrNotFound) {
				done = true
				return nil
			}
			if err != nil {
				return err
			}
			if err := r.Expire(now); err != nil {
				return err
			}
			if err := s.restock(ctx, tx, r); err != nil {
				return err
			}
			s.log.Info("reservation expired", "reservation_id", r.ID, "order_id", r.OrderID, "expires_at", r.ExpiresAt)
			return tx.AppendOutbox(ctx, events.New(source, r.CorrelationID, events.InventoryReleased{
				ReservationID: r.ID,
				OrderID:       r.OrderID,
				Items:         r.Items,
				Reason:        r.ReleaseReason,
				Expired:       true,
			}))
		})
		if err != nil {
			return expired, fmt.Errorf("expire reservation: %w", err)
		}
		if done {
			break
		}
		expired++
	}
	return expired, nil
}

// RunSweeper calls SweepExpired every SweepInterval until ctx is done.
func (s *InventoryService) RunSweeper(ctx context.Context) error {
	s.log.Info("expiry sweeper started", "interval", s.cfg.SweepInterval, "ttl", s.cfg.ReservationTTL)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error("expiry sweep failed", "expired", n, "error", err)
			} else if n > 0 {
				s.log.Info("expiry sweep done", "expired", n)
			}
		}
	}
}

func (s *InventoryService) restock(ctx context.Context, tx repository.Tx, r *domain.Reservation) error {
	for _, item := range r.Items {
		if err := tx.AdjustStock(ctx, item.ProductID, item.Quantity, -item.Quantity); err != nil {
			return apperr.Technical(apperr.CodeStorage, err)
		}
	}
	if err := tx.UpdateReservation(ctx, r, types.ReservationStatusReserved); err != nil {
		return apperr.Technical(apperr.CodeStorage, err)
	}
	return nil
}

func (s *InventoryService) GetStock(ctx context.Context, productID string) (domain.Stock, error) {
	stock, err := s.store.GetStock(ctx, []string{productID})
	if err != nil {
		return domain.Stock{}, apperr.Technical(apperr.CodeStorage, err)
	}
	st, ok := stock[productID]
	if !ok {
		return domain.Stock{}, apperr.Business(apperr.CodeNotFound, "product not found", "product_id", productID)
	}
	return st, nil
}

// SetStock overwrites the available quantity of a product, creating the row
// when needed. Reserved stock is untouched.
func (s *InventoryService) SetStock(ctx context.Context, productID string, available int) (domain.Stock, error) {
	if productID == "" {
		return domain.Stock{}, apperr.Business(apperr.CodeUnknownProduct, "product id is required")
	}
	if available < 0 {
		return domain.Stock{}, apperr.Business(apperr.CodeInvalidQuantity, "available must not be negative",
			"product_id", productID, "available", available)
	}
	var st domain.Stock
	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		var err error
		st, err = tx.SetAvailable(ctx, productID, available)
		return err
	})
	if err != nil {
		return domain.Stock{}, apperr.Technical(apperr.CodeStorage, err)
	}
	s.log.Info("stock set", "product_id", productID, "available", st.Available, "reserved", st.Reserved)
	return st, nil
}

func (s *InventoryService) GetReservation(ctx context.Context, orderID string) (*domain.Reservation, error) {
	r, err := s.store.GetReservationByOrder(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Business(apperr.CodeNotFound, "reservation not found", "order_id", orderID)
	}
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return r, nil
}

// backoff grows linearly with the attempt and adds up to 50% jitter.
func (s *InventoryService) backoff(attempt int) time.Duration {
	base := s.cfg.RetryBackoff * time.Duration(attempt)
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}

func productIDs(items []types.StockItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
