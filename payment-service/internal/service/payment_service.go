package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/cache"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/gateway"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/repository"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const source = "payment-service"

// apiSource stamps events synthesized for direct HTTP charges.
const apiSource = "payment-api"

type Config struct {
	// PendingTimeout is how long a PENDING payment is considered in flight.
	// Older PENDING rows belong to a crashed attempt and are resumed.
	PendingTimeout time.Duration
	RedisAddr      string
	RefundCacheTTL time.Duration
}

func NewConfig(src *config.Source) Config {
	return Config{
		PendingTimeout: src.Duration("PAYMENT_PENDING_TIMEOUT", 30*time.Second),
		RedisAddr:      src.String("REDIS_ADDR", ""),
		RefundCacheTTL: src.Duration("REFUND_CACHE_TTL", 24*time.Hour),
	}
}

type PaymentService struct {
	store    repository.Store
	gateway  gateway.PaymentGateway
	refunds  cache.RefundCache
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
	outcomes metric.Int64Counter
}

func NewPaymentService(store repository.Store, gw gateway.PaymentGateway, refunds cache.RefundCache, cfg Config, log *logger.Logger) *PaymentService {
	return &PaymentService{
		store:    store,
		gateway:  gw,
		refunds:  refunds,
		cfg:      cfg,
		log:      log.With("component", "payment_service"),
		now:      func() time.Time { return time.Now().UTC() },
		outcomes: telemetry.Counter("payment.charges", "Charge attempts by outcome"),
	}
}

// Charge collects an order's total at most once per attempt. A repeated
// request for the same attempt returns the stored payment and emits nothing;
// a request with a higher attempt number re-charges a payment whose previous
// failure allowed a retry.
func (s *PaymentService) Charge(ctx context.Context, cause events.Envelope, req domain.ChargeRequest) (*domain.Payment, error) {
	req = req.Normalize()
	log := s.log.With("order_id", req.OrderID, "attempt", req.AttemptNumber,
		"correlation_id", cause.Metadata.CorrelationID)

	existing, err := s.lookup(ctx, req)
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}

	var payment *domain.Payment
	switch {
	case existing == nil:
		payment = domain.NewPayment(req, s.now())
		if req.Amount <= 0 {
			return s.rejectAmount(ctx, cause, payment, log)
		}
		err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
			return tx.InsertPayment(ctx, payment)
		})
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Technical(apperr.CodeConcurrentModification,
				fmt.Errorf("charge for order %s in progress", req.OrderID), "order_id", req.OrderID)
		}
		if err != nil {
			return nil, apperr.Technical(apperr.CodeStorage, err)
		}

	case existing.Status == types.PaymentStatusPending:
		if s.now().Sub(existing.UpdatedAt) < s.cfg.PendingTimeout {
			return nil, apperr.Technical(apperr.CodeConcurrentModification,
				fmt.Errorf("charge for order %s in progress", req.OrderID),
				"order_id", req.OrderID, "payment_id", existing.ID)
		}
		// The attempt key is reused, so the gateway answers with the outcome of
		// the interrupted call if it got that far.
		log.Warn("resuming stale pending payment", "payment_id", existing.ID, "updated_at", existing.UpdatedAt)
		payment = existing
		req.AttemptNumber = payment.AttemptCount
		payment.UpdatedAt = s.now()
		if err := s.update(ctx, payment); err != nil {
			return nil, err
		}

	case existing.Retryable(req.AttemptNumber):
		log.Info("retrying failed payment", "payment_id", existing.ID, "previous_attempt", existing.AttemptCount)
		payment = existing
		payment.BeginAttempt(req.AttemptNumber, s.now())
		if err := s.update(ctx, payment); err != nil {
			return nil, err
		}

	default:
		log.Info("payment already processed", "payment_id", existing.ID, "status", existing.Status)
		err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
			return inbox.Claim(ctx, tx, cause)
		})
		return existing, err
	}

	if err := s.collect(ctx, payment, req); err != nil {
		return nil, err
	}

	outcome := cause.Caused(source, succeeded(payment))
	if payment.Status == types.PaymentStatusFailed {
		outcome = cause.Caused(source, failed(payment))
	}
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, cause); err != nil {
			return err
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, outcome)
	})
	if errors.Is(err, repository.ErrStale) {
		return nil, apperr.Technical(apperr.CodeConcurrentModification, err, "payment_id", payment.ID)
	}
	if err != nil {
		return nil, err
	}

	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(payment.Status))))
	if payment.Status == types.PaymentStatusCaptured {
		log.Info("payment captured", "payment_id", payment.ID, "transaction_id", payment.TransactionID, "amount", payment.Amount)
	} else {
		log.Info("payment failed", "payment_id", payment.ID, "code", payment.FailureCode,
			"reason", payment.FailureReason, "retry_allowed", payment.RetryAllowed)
	}
	return payment, nil
}

// collect calls the gateway and applies its answer to payment. Only a
// cancelled context is returned as an error; the PENDING row is then resumed
// on redelivery.
func (s *PaymentService) collect(ctx context.Context, payment *domain.Payment, req domain.ChargeRequest) error {
	ctx, span := telemetry.Tracer().Start(ctx, "gateway.charge", trace.WithAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.Int("attempt", req.AttemptNumber),
	))
	defer span.End()

	result, err := s.gateway.Charge(ctx, gateway.ChargeRequest{
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		PaymentMethod:  payment.PaymentMethod,
		IdempotencyKey: req.AttemptKey(),
	})
	now := s.now()
	switch {
	case err != nil && ctx.Err() != nil:
		span.RecordError(err)
		return apperr.Technical(apperr.CodeGatewayError, err, "payment_id", payment.ID)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway unavailable")
		payment.Fail(fmt.Sprintf("gateway error: %v", err), apperr.CodeGatewayError, true, now)
	case result.Approved:
		payment.Capture(result.TransactionID, result.AuthorizationCode, result.Fee, now)
	default:
		payment.Fail(result.FailureReason, result.FailureCode, result.Retryable, now)
	}
	return nil
}

// rejectAmount records a non-retryable failure for a charge that can never
// succeed.
func (s *PaymentService) rejectAmount(ctx context.Context, cause events.Envelope, payment *domain.Payment, log *logger.Logger) (*domain.Payment, error) {
	payment.Fail(fmt.Sprintf("invalid payment amount %.2f", payment.Amount), apperr.CodeInvalidAmount, false, s.now())
	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, cause); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, cause.Caused(source, failed(payment)))
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, apperr.Technical(apperr.CodeConcurrentModification, err, "order_id", payment.OrderID)
	}
	if err != nil {
		return nil, err
	}
	log.Warn("payment rejected", "payment_id", payment.ID, "amount", payment.Amount)
	return payment, nil
}

func (s *PaymentService) lookup(ctx context.Context, req domain.ChargeRequest) (*domain.Payment, error) {
	p, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return p, err
	}
	p, err = s.store.GetByOrderID(ctx, req.OrderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *PaymentService) update(ctx context.Context, p *domain.Payment) error {
	err := s.store.RunInTx(ctx, func(tx repository.Tx) error {
		return tx.UpdatePayment(ctx, p)
	})
	if errors.Is(err, repository.ErrStale) {
		return apperr.Technical(apperr.CodeConcurrentModification, err, "payment_id", p.ID)
	}
	if err != nil {
		return apperr.Technical(apperr.CodeStorage, err)
	}
	return nil
}

// ChargeDirect runs a charge requested over HTTP through the same path as a
// PaymentRequested event.
func (s *PaymentService) ChargeDirect(ctx context.Context, req domain.ChargeRequest) (*domain.Payment, error) {
	req = req.Normalize()
	if req.OrderID == "" {
		return nil, apperr.Business(apperr.CodeValidation, "order id is required")
	}
	cause := events.New(apiSource, "", events.PaymentRequested{
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
		AttemptNumber:  req.AttemptNumber,
	})
	return s.Charge(ctx, cause, req)
}

// Refund returns captured money. A request whose idempotency key was already
// honoured returns the earlier refund without calling the gateway again.
func (s *PaymentService) Refund(ctx context.Context, cause events.Envelope, req domain.RefundRequest) (*cache.RefundRecord, error) {
	log := s.log.With("order_id", req.OrderID, "transaction_id", req.TransactionID,
		"correlation_id", cause.Metadata.CorrelationID)

	payment, err := s.refundTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "refund:" + payment.ID
	}
	log = log.With("payment_id", payment.ID, "refund_key", req.IdempotencyKey)

	if rec, err := s.refunds.Get(ctx, req.IdempotencyKey); err == nil {
		log.Info("refund already processed", "refund_id", rec.RefundID)
		return rec, s.claim(ctx, cause)
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn("refund cache unavailable", "error", err)
	}
	if payment.RefundIdempotencyKey == req.IdempotencyKey {
		rec := refundRecord(payment)
		s.remember(ctx, req.IdempotencyKey, rec, log)
		log.Info("refund already processed", "refund_id", rec.RefundID)
		return &rec, s.claim(ctx, cause)
	}

	amount := req.Amount
	if amount == 0 {
		amount = payment.RemainingRefund()
	}
	if err := payment.ValidateRefund(amount); err != nil {
		log.Warn("refund rejected", "error", err)
		return nil, err
	}

	result, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		TransactionID:  payment.TransactionID,
		Amount:         amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		log.Error("gateway refund failed", "error", err)
		return nil, apperr.Technical(apperr.CodeRefundFailed, err, "payment_id", payment.ID)
	}

	payment.ApplyRefund(amount, result.RefundID, req.IdempotencyKey, s.now())
	err = s.store.RunInTx(ctx, func(tx repository.Tx) error {
		if err := inbox.Claim(ctx, tx, cause); err != nil {
			return err
		}
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, cause.Caused(source, events.PaymentRefunded{
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			RefundID:  result.RefundID,
			Amount:    amount,
			Status:    payment.Status,
		}))
	})
	if errors.Is(err, repository.ErrStale) {
		return nil, apperr.Technical(apperr.CodeConcurrentModification, err, "payment_id", payment.ID)
	}
	if err != nil {
		return nil, err
	}

	rec := refundRecord(payment)
	rec.Amount = amount
	s.remember(ctx, req.IdempotencyKey, rec, log)
	log.Info("payment refunded", "refund_id", result.RefundID, "amount", amount, "status", payment.Status)
	return &rec, nil
}

// RefundDirect runs a refund requested over HTTP.
func (s *PaymentService) RefundDirect(ctx context.Context, req domain.RefundRequest) (*cache.RefundRecord, error) {
	cause := events.New(apiSource, "", events.PaymentRefundRequested{
		OrderID:        req.OrderID,
		TransactionID:  req.TransactionID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	return s.Refund(ctx, cause, req)
}

func (s *PaymentService) refundTarget(ctx context.Context, req domain.RefundRequest) (*domain.Payment, error) {
	var (
		p   *domain.Payment
		err error
	)
	switch {
	case req.TransactionID != "":
		p, err = s.store.GetByTransactionID(ctx, req.TransactionID)
	case req.OrderID != "":
		p, err = s.store.GetByOrderID(ctx, req.OrderID)
	default:
		return nil, apperr.Business(apperr.CodeValidation, "transaction id or order id is required")
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Business(apperr.CodeNotFound, "payment not found",
			"transaction_id", req.TransactionID, "order_id", req.OrderID)
	}
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return p, nil
}

func (s *PaymentService) claim(ctx context.Context, cause events.Envelope) error {
	return s.store.RunInTx(ctx, func(tx repository.Tx) error {
		return inbox.Claim(ctx, tx, cause)
	})
}

func (s *PaymentService) remember(ctx context.Context, key string, rec cache.RefundRecord, log *logger.Logger) {
	if err := s.refunds.Put(ctx, key, rec); err != nil {
		log.Warn("refund cache write failed", "error", err)
	}
}

func (s *PaymentService) GetByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	p, err := s.store.GetByOrderID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Business(apperr.CodeNotFound, "payment not found", "order_id", orderID)
	}
	if err != nil {
		return nil, apperr.Technical(apperr.CodeStorage, err)
	}
	return p, nil
}

func succeeded(p *domain.Payment) events.PaymentSucceeded {
	return events.PaymentSucceeded{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		TransactionID:     p.TransactionID,
		AuthorizationCode: p.AuthorizationCode,
		Amount:            p.Amount,
		Fee:               p.Fee,
	}
}

func failed(p *domain.Payment) events.PaymentFailed {
	return events.PaymentFailed{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		FailureReason: p.FailureReason,
		FailureCode:   p.FailureCode,
		RetryAllowed:  p.RetryAllowed,
		AttemptNumber: p.AttemptCount,
	}
}

func refundRecord(p *domain.Payment) cache.RefundRecord {
	return cache.RefundRecord{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		RefundID:  p.RefundReference,
		Amount:    p.RefundedAmount,
		Status:    p.Status,
	}
}
