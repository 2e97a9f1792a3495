// Package inbox makes event handlers idempotent: an event id is recorded in
// processed_event in the same transaction as the handler's effect.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/database"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrAlreadyProcessed is returned by Claim when another delivery of the same
// event committed first. The caller's transaction must roll back.
var ErrAlreadyProcessed = errors.New("event already processed")

// Marker records an event id inside an open transaction, reporting false
// when the id was already present.
type Marker interface {
	MarkProcessed(ctx context.Context, eventID string, eventType events.Type) (bool, error)
}

type Store interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
}

// Claim marks env processed through m. Handlers call it first inside the
// transaction that applies their effect.
func Claim(ctx context.Context, m Marker, env events.Envelope) error {
	inserted, err := m.MarkProcessed(ctx, env.ID(), env.Type())
	if err != nil {
		return fmt.Errorf("mark %s processed: %w", env.ID(), err)
	}
	if !inserted {
		return ErrAlreadyProcessed
	}
	return nil
}

// Guard drops events that were already processed before they reach the
// handler.
type Guard struct {
	store      Store
	log        *logger.Logger
	duplicates metric.Int64Counter
}

func NewGuard(store Store, log *logger.Logger) *Guard {
	return &Guard{
		store:      store,
		log:        log.With("component", "inbox"),
		duplicates: telemetry.Counter("inbox.duplicates", "Redelivered events dropped by the idempotent consumer"),
	}
}

func (g *Guard) Wrap(next messaging.Handler) messaging.Handler {
	return func(ctx context.Context, env events.Envelope) error {
		return g.Handle(ctx, env, next)
	}
}

func (g *Guard) Handle(ctx context.Context, env events.Envelope, next messaging.Handler) error {
	seen, err := g.store.IsProcessed(ctx, env.ID())
	if err != nil {
		return fmt.Errorf("inbox lookup %s: %w", env.ID(), err)
	}
	if seen {
		g.drop(ctx, env, "already processed")
		return nil
	}
	err = next(ctx, env)
	if errors.Is(err, ErrAlreadyProcessed) {
		g.drop(ctx, env, "lost race to concurrent delivery")
		return nil
	}
	return err
}

func (g *Guard) drop(ctx context.Context, env events.Envelope, reason string) {
	g.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(env.Type()))))
	g.log.Debug("duplicate event dropped",
		"event_id", env.ID(), "event_type", env.Type(), "order_id", env.Payload.OrderRef(), "reason", reason)
}

// MarkProcessed is the SQL Marker implementation shared by the service stores.
func MarkProcessed(ctx context.Context, q database.Querier, eventID string, eventType events.Type) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO processed_event (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, string(eventType), time.Now().UTC())
	if err != nil {
		return false, err
	}
	return database.RowsAffected(res) == 1, nil
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_event WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_event WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("processed_event prune: %w", err)
	}
	return database.RowsAffected(res), nil
}
