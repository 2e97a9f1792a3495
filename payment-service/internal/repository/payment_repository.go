package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/database"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/outbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

//go:embed schema.sql
var Schema string

var (
	ErrNotFound = errors.New("payment not found")
	// ErrDuplicate means a payment with the same order id or idempotency key
	// was inserted first.
	ErrDuplicate = errors.New("payment already exists")
	// ErrStale means the row changed since it was read.
	ErrStale = errors.New("payment modified concurrently")
)

type Store interface {
	inbox.Store
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error)
	GetByRefundKey(ctx context.Context, key string) (*domain.Payment, error)
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	inbox.Marker
	AppendOutbox(ctx context.Context, env events.Envelope) error
	InsertPayment(ctx context.Context, p *domain.Payment) error
	// UpdatePayment writes p if its version is unchanged, then bumps
	// p.Version.
	UpdatePayment(ctx context.Context, p *domain.Payment) error
}

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&paymentTx{tx: tx})
	})
}

func (r *PaymentRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return inbox.NewSQLStore(r.db).IsProcessed(ctx, eventID)
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	return getPayment(ctx, r.db, `idempotency_key = $1`, key)
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return getPayment(ctx, r.db, `order_id = $1`, orderID)
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error) {
	return getPayment(ctx, r.db, `transaction_id = $1 AND transaction_id <> ''`, transactionID)
}

func (r *PaymentRepository) GetByRefundKey(ctx context.Context, key string) (*domain.Payment, error) {
	return getPayment(ctx, r.db, `refund_idempotency_key = $1 AND refund_idempotency_key <> ''`, key)
}

type paymentTx struct {
	tx *sql.Tx
}

func (t *paymentTx) MarkProcessed(ctx context.Context, eventID string, eventType events.Type) (bool, error) {
	return inbox.MarkProcessed(ctx, t.tx, eventID, eventType)
}

func (t *paymentTx) AppendOutbox(ctx context.Context, env events.Envelope) error {
	return outbox.Append(ctx, t.tx, env)
}

func (t *paymentTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment (
			id, order_id, customer_id, idempotency_key, amount, currency, payment_method,
			status, transaction_id, authorization_code, fee, attempt_count,
			failure_reason, failure_code, retry_allowed, refunded_amount,
			refund_reference, refund_idempotency_key, version,
			created_at, updated_at, processed_at, refunded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, 1, $19, $20, $21, $22)`,
		p.ID, p.OrderID, p.CustomerID, p.IdempotencyKey, p.Amount, p.Currency, p.PaymentMethod,
		string(p.Status), p.TransactionID, p.AuthorizationCode, p.Fee, p.AttemptCount,
		p.FailureReason, p.FailureCode, p.RetryAllowed, p.RefundedAmount,
		p.RefundReference, p.RefundIdempotencyKey,
		p.CreatedAt, p.UpdatedAt, p.ProcessedAt, p.RefundedAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("payment create: %w", err)
	}
	p.Version = 1
	return nil
}

func (t *paymentTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payment
		SET status = $3, transaction_id = $4, authorization_code = $5, fee = $6,
			attempt_count = $7, failure_reason = $8, failure_code = $9, retry_allowed = $10,
			refunded_amount = $11, refund_reference = $12, refund_idempotency_key = $13,
			updated_at = $14, processed_at = $15, refunded_at = $16, version = version + 1
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version,
		string(p.Status), p.TransactionID, p.AuthorizationCode, p.Fee,
		p.AttemptCount, p.FailureReason, p.FailureCode, p.RetryAllowed,
		p.RefundedAmount, p.RefundReference, p.RefundIdempotencyKey,
		p.UpdatedAt, p.ProcessedAt, p.RefundedAt,
	)
	if err != nil {
		return fmt.Errorf("payment update: %w", err)
	}
	if database.RowsAffected(res) == 0 {
		return ErrStale
	}
	p.Version++
	return nil
}

func getPayment(ctx context.Context, q database.Querier, where string, arg interface{}) (*domain.Payment, error) {
	p := &domain.Payment{}
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT id, order_id, customer_id, idempotency_key, amount, currency, payment_method,
			   status, transaction_id, authorization_code, fee, attempt_count,
			   failure_reason, failure_code, retry_allowed, refunded_amount,
			   refund_reference, refund_idempotency_key, version,
			   created_at, updated_at, processed_at, refunded_at
		FROM payment
		WHERE `+where, arg).Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.IdempotencyKey, &p.Amount, &p.Currency, &p.PaymentMethod,
		&status, &p.TransactionID, &p.AuthorizationCode, &p.Fee, &p.AttemptCount,
		&p.FailureReason, &p.FailureCode, &p.RetryAllowed, &p.RefundedAmount,
		&p.RefundReference, &p.RefundIdempotencyKey, &p.Version,
		&p.CreatedAt, &p.UpdatedAt, &p.ProcessedAt, &p.RefundedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment receive: %w", err)
	}
	p.Status = types.PaymentStatus(status)
	return p, nil
}
