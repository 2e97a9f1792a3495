package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/database"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/outbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

//go:embed schema.sql
var Schema string

var (
	ErrNotFound  = errors.New("order not found")
	ErrDuplicate = errors.New("order already exists")
	// ErrStale means the order changed since it was read.
	ErrStale = errors.New("order modified concurrently")
)

type Store interface {
	inbox.Store
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*domain.Order, error)
	ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error)
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	inbox.Marker
	AppendOutbox(ctx context.Context, env events.Envelope) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	// UpdateOrder writes o if its version is unchanged, then bumps o.Version.
	UpdateOrder(ctx context.Context, o *domain.Order) error
	AppendOrderEvent(ctx context.Context, e domain.OrderEvent) error
}

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&orderTx{tx: tx})
	})
}

func (r *OrderRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return inbox.NewSQLStore(r.db).IsProcessed(ctx, eventID)
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, r.db, `id = $1`, id)
}

func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return getOrder(ctx, r.db, `idempotency_key = $1`, key)
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+`
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("orders by customer: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, from_status, to_status, causation_id, details, created_at
		FROM order_event
		WHERE order_id = $1
		ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order events: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderEvent
	for rows.Next() {
		var (
			e            domain.OrderEvent
			eventType    string
			fromSt, toSt string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &eventType, &fromSt, &toSt, &e.CausationID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		e.EventType = events.Type(eventType)
		e.FromStatus = types.OrderStatus(fromSt)
		e.ToStatus = types.OrderStatus(toSt)
		out = append(out, e)
	}
	return out, rows.Err()
}

type orderTx struct {
	tx *sql.Tx
}

func (t *orderTx) MarkProcessed(ctx context.Context, eventID string, eventType events.Type) (bool, error) {
	return inbox.MarkProcessed(ctx, t.tx, eventID, eventType)
}

func (t *orderTx) AppendOutbox(ctx context.Context, env events.Envelope) error {
	return outbox.Append(ctx, t.tx, env)
}

func (t *orderTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, t.tx, `id = $1`, id)
}

func (t *orderTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("items serialization error: %w", err)
	}
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("shipping address serialization error: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, correlation_id, customer_id, status, payment_status, inventory_status,
			items, total_amount, currency, payment_method, shipping_address,
			idempotency_key, reservation_id, payment_id, transaction_id,
			payment_attempts, failure_reason, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)`,
		o.ID, o.CorrelationID, o.CustomerID, string(o.Status), string(o.PaymentStatus), string(o.InventoryStatus),
		string(itemsJSON), o.TotalAmount, o.Currency, o.PaymentMethod, string(addressJSON),
		o.IdempotencyKey, o.ReservationID, o.PaymentID, o.TransactionID,
		o.PaymentAttempts, o.FailureReason, o.CreatedAt, o.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("order creation error: %w", err)
	}
	o.Version = 1
	return nil
}

func (t *orderTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, payment_status = $4, inventory_status = $5,
			reservation_id = $6, payment_id = $7, transaction_id = $8,
			payment_attempts = $9, failure_reason = $10, updated_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version,
		string(o.Status), string(o.PaymentStatus), string(o.InventoryStatus),
		o.ReservationID, o.PaymentID, o.TransactionID,
		o.PaymentAttempts, o.FailureReason, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("order update error: %w", err)
	}
	if database.RowsAffected(res) == 0 {
		return ErrStale
	}
	o.Version++
	return nil
}

func (t *orderTx) AppendOrderEvent(ctx context.Context, e domain.OrderEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_event (id, order_id, event_type, from_status, to_status, causation_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrderID, string(e.EventType), string(e.FromStatus), string(e.ToStatus),
		e.CausationID, e.Details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("order event insert: %w", err)
	}
	return nil
}

const selectOrder = `
	SELECT id, correlation_id, customer_id, status, payment_status, inventory_status,
		   items, total_amount, currency, payment_method, shipping_address,
		   idempotency_key, reservation_id, payment_id, transaction_id,
		   payment_attempts, failure_reason, version, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func getOrder(ctx context.Context, q database.Querier, where string, arg interface{}) (*domain.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, selectOrder+` WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                domain.Order
		status, paymentStatus, invStatus string
		itemsJSON, addressJSON           []byte
	)
	err := row.Scan(
		&o.ID, &o.CorrelationID, &o.CustomerID, &status, &paymentStatus, &invStatus,
		&itemsJSON, &o.TotalAmount, &o.Currency, &o.PaymentMethod, &addressJSON,
		&o.IdempotencyKey, &o.ReservationID, &o.PaymentID, &o.TransactionID,
		&o.PaymentAttempts, &o.FailureReason, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("order receive: %w", err)
	}
	o.Status = types.OrderStatus(status)
	o.PaymentStatus = types.PaymentStatus(paymentStatus)
	o.InventoryStatus = types.ReservationStatus(invStatus)

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("items deserialization error: %w", err)
	}
	if len(addressJSON) > 0 && string(addressJSON) != "null" {
		o.ShippingAddress = &types.ShippingAddress{}
		if err := json.Unmarshal(addressJSON, o.ShippingAddress); err != nil {
			return nil, fmt.Errorf("shipping address deserialization error: %w", err)
		}
	}
	return &o, nil
}
