package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/database"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/outbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/lib/pq"
)

//go:embed schema.sql
var Schema string

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the stock row changed since it was read.
	ErrVersionConflict = errors.New("stock version conflict")
	// ErrReservationExists means another delivery reserved for the order first.
	ErrReservationExists = errors.New("reservation already exists for order")
)

type Store interface {
	inbox.Store
	GetStock(ctx context.Context, productIDs []string) (map[string]domain.Stock, error)
	GetReservationByOrder(ctx context.Context, orderID string) (*domain.Reservation, error)
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of Store. Every method runs inside the transaction
// opened by RunInTx.
type Tx interface {
	inbox.Marker
	AppendOutbox(ctx context.Context, env events.Envelope) error

	// ReserveStock moves qty from available to reserved when the row is still
	// at version. Otherwise it returns ErrVersionConflict.
	ReserveStock(ctx context.Context, productID string, qty int, version int64) error
	// AdjustStock applies deltas to a row whose reservation is already locked.
	AdjustStock(ctx context.Context, productID string, availableDelta, reservedDelta int) error
	SetAvailable(ctx context.Context, productID string, available int) (domain.Stock, error)

	InsertReservation(ctx context.Context, r *domain.Reservation) error
	LockReservationByOrder(ctx context.Context, orderID string) (*domain.Reservation, error)
	// ClaimExpiredReservation locks one RESERVED reservation past its deadline,
	// skipping rows other sweepers hold. ErrNotFound when none is left.
	ClaimExpiredReservation(ctx context.Context, now time.Time) (*domain.Reservation, error)
	// UpdateReservation writes r's status fields if the row is still in from.
	UpdateReservation(ctx context.Context, r *domain.Reservation, from types.ReservationStatus) error
}

type InventoryRepository struct {
	db *sql.DB
}

func NewInventoryRepository(db *sql.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&inventoryTx{tx: tx})
	})
}

func (r *InventoryRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return inbox.NewSQLStore(r.db).IsProcessed(ctx, eventID)
}

func (r *InventoryRepository) GetStock(ctx context.Context, productIDs []string) (map[string]domain.Stock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, available, reserved, version, updated_at
		FROM inventory
		WHERE product_id = ANY($1)`, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("get stock: %w", err)
	}
	defer rows.Close()

	stock := make(map[string]domain.Stock, len(productIDs))
	for rows.Next() {
		var s domain.Stock
		if err := rows.Scan(&s.ProductID, &s.Available, &s.Reserved, &s.Version, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		stock[s.ProductID] = s
	}
	return stock, rows.Err()
}

func (r *InventoryRepository) GetReservationByOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	return getReservation(ctx, r.db, `WHERE order_id = $1`, orderID)
}

type inventoryTx struct {
	tx *sql.Tx
}

func (t *inventoryTx) MarkProcessed(ctx context.Context, eventID string, eventType events.Type) (bool, error) {
	return inbox.MarkProcessed(ctx, t.tx, eventID, eventType)
}

func (t *inventoryTx) AppendOutbox(ctx context.Context, env events.Envelope) error {
	return outbox.Append(ctx, t.tx, env)
}

func (t *inventoryTx) ReserveStock(ctx context.Context, productID string, qty int, version int64) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available - $2, reserved = reserved + $2, version = version + 1, updated_at = NOW()
		WHERE product_id = $1 AND version = $3 AND available >= $2`,
		productID, qty, version)
	if err != nil {
		return fmt.Errorf("reserve stock %s: %w", productID, err)
	}
	if database.RowsAffected(res) == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *inventoryTx) AdjustStock(ctx context.Context, productID string, availableDelta, reservedDelta int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available + $2, reserved = reserved + $3, version = version + 1, updated_at = NOW()
		WHERE product_id = $1 AND available + $2 >= 0 AND reserved + $3 >= 0`,
		productID, availableDelta, reservedDelta)
	if err != nil {
		return fmt.Errorf("adjust stock %s: %w", productID, err)
	}
	if database.RowsAffected(res) == 0 {
		return fmt.Errorf("adjust stock %s by (%d, %d): %w", productID, availableDelta, reservedDelta, ErrNotFound)
	}
	return nil
}

func (t *inventoryTx) SetAvailable(ctx context.Context, productID string, available int) (domain.Stock, error) {
	var s domain.Stock
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO inventory (product_id, available, reserved, version, updated_at)
		VALUES ($1, $2, 0, 1, NOW())
		ON CONFLICT (product_id) DO UPDATE
		SET available = EXCLUDED.available, version = inventory.version + 1, updated_at = NOW()
		RETURNING product_id, available, reserved, version, updated_at`,
		productID, available).Scan(&s.ProductID, &s.Available, &s.Reserved, &s.Version, &s.UpdatedAt)
	if err != nil {
		return domain.Stock{}, fmt.Errorf("set stock %s: %w", productID, err)
	}
	return s, nil
}

func (t *inventoryTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservation (id, order_id, correlation_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.OrderID, r.CorrelationID, string(r.Status), r.CreatedAt, r.ExpiresAt)
	if database.IsUniqueViolation(err) {
		return ErrReservationExists
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	for _, item := range r.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO reservation_item (reservation_id, product_id, quantity)
			VALUES ($1, $2, $3)`, r.ID, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("insert reservation item: %w", err)
		}
	}
	return nil
}

func (t *inventoryTx) LockReservationByOrder(ctx context.Context, orderID string) (*domain.Reservation, error) {
	return getReservation(ctx, t.tx, `WHERE order_id = $1 FOR UPDATE`, orderID)
}

func (t *inventoryTx) ClaimExpiredReservation(ctx context.Context, now time.Time) (*domain.Reservation, error) {
	return getReservation(ctx, t.tx, `
		WHERE status = 'RESERVED' AND expires_at < $1
		ORDER BY expires_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)
}

func (t *inventoryTx) UpdateReservation(ctx context.Context, r *domain.Reservation, from types.ReservationStatus) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservation
		SET status = $2, committed_at = $3, released_at = $4, release_reason = $5
		WHERE id = $1 AND status = $6`,
		r.ID, string(r.Status), r.CommittedAt, r.ReleasedAt, r.ReleaseReason, string(from))
	if err != nil {
		return fmt.Errorf("update reservation %s: %w", r.ID, err)
	}
	if database.RowsAffected(res) == 0 {
		return fmt.Errorf("reservation %s left %s concurrently: %w", r.ID, from, ErrVersionConflict)
	}
	return nil
}

func getReservation(ctx context.Context, q database.Querier, where string, args ...interface{}) (*domain.Reservation, error) {
	r := &domain.Reservation{}
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT id, order_id, correlation_id, status, created_at, expires_at,
			   committed_at, released_at, release_reason
		FROM reservation `+where, args...).Scan(
		&r.ID, &r.OrderID, &r.CorrelationID, &status, &r.CreatedAt, &r.ExpiresAt,
		&r.CommittedAt, &r.ReleasedAt, &r.ReleaseReason,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	r.Status = types.ReservationStatus(status)

	rows, err := q.QueryContext(ctx,
		`SELECT product_id, quantity FROM reservation_item WHERE reservation_id = $1`, r.ID)
	if err != nil {
		return nil, fmt.Errorf("get reservation items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item types.StockItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan reservation item: %w", err)
		}
		r.Items = append(r.Items, item)
	}
	sort.Slice(r.Items, func(i, j int) bool { return r.Items[i].ProductID < r.Items[j].ProductID })
	return r, rows.Err()
}
