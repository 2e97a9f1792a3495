// Package outbox stores events in the same transaction as the state change
// that produced them and relays them to the bus afterwards.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/database"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
)

type Event struct {
	ID            int64
	EventID       string
	EventType     events.Type
	AggregateType string
	AggregateID   string
	Topic         string
	CorrelationID string
	EventVersion  int
	Payload       []byte
	Published     bool
	PublishedAt   *time.Time
	CreatedAt     time.Time
}

// FromEnvelope serializes env into a pending row. The payload column holds
// the full envelope so the relay can publish it byte for byte.
func FromEnvelope(env events.Envelope) (Event, error) {
	body, err := env.Marshal()
	if err != nil {
		return Event{}, fmt.Errorf("outbox encode %s: %w", env.Type(), err)
	}
	t := env.Type()
	return Event{
		EventID:       env.Metadata.EventID,
		EventType:     t,
		AggregateType: t.Aggregate(),
		AggregateID:   env.Payload.AggregateID(),
		Topic:         t.Topic(),
		CorrelationID: env.Metadata.CorrelationID,
		EventVersion:  env.Metadata.EventVersion,
		Payload:       body,
		CreatedAt:     env.Metadata.Timestamp,
	}, nil
}

// Append writes env through q, which must be the caller's open transaction.
func Append(ctx context.Context, q database.Querier, env events.Envelope) error {
	ev, err := FromEnvelope(env)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox (
			event_id, event_type, aggregate_type, aggregate_id, topic,
			correlation_id, event_version, payload, published, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)`,
		ev.EventID, string(ev.EventType), ev.AggregateType, ev.AggregateID, ev.Topic,
		ev.CorrelationID, ev.EventVersion, string(ev.Payload), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox insert %s: %w", ev.EventType, err)
	}
	return nil
}

// PublishFunc ships one row. A nil return marks the row published.
type PublishFunc func(ctx context.Context, ev Event) error

type BatchResult struct {
	Claimed   int
	Published int
	Failed    int
}

type Store interface {
	// PublishPending claims up to limit unpublished rows, oldest first, and
	// hands each to publish. Rows claimed by another relay are skipped.
	PublishPending(ctx context.Context, limit int, publish PublishFunc) (BatchResult, error)
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PublishPending(ctx context.Context, limit int, publish PublishFunc) (BatchResult, error) {
	var result BatchResult
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_id, event_type, aggregate_type, aggregate_id, topic,
				   correlation_id, event_version, payload, created_at
			FROM outbox
			WHERE published = FALSE
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("outbox claim: %w", err)
		}
		var batch []Event
		for rows.Next() {
			var ev Event
			var eventType string
			if err := rows.Scan(&ev.ID, &ev.EventID, &eventType, &ev.AggregateType, &ev.AggregateID,
				&ev.Topic, &ev.CorrelationID, &ev.EventVersion, &ev.Payload, &ev.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("outbox scan: %w", err)
			}
			ev.EventType = events.Type(eventType)
			batch = append(batch, ev)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		result.Claimed = len(batch)
		for _, ev := range batch {
			if err := publish(ctx, ev); err != nil {
				result.Failed++
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET published = TRUE, published_at = $2 WHERE id = $1`,
				ev.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("outbox mark published %s: %w", ev.EventID, err)
			}
			result.Published++
		}
		return nil
	})
	return result, err
}

func (s *SQLStore) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE published = TRUE AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox prune: %w", err)
	}
	return database.RowsAffected(res), nil
}
