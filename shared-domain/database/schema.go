package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ReliabilitySchema creates the outbox and processed_event tables every
// service store carries next to its own aggregates.
const ReliabilitySchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	event_id       TEXT        NOT NULL UNIQUE,
	event_type     TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	aggregate_id   TEXT        NOT NULL,
	topic          TEXT        NOT NULL,
	correlation_id TEXT        NOT NULL,
	event_version  INTEGER     NOT NULL DEFAULT 1,
	payload        JSONB       NOT NULL,
	published      BOOLEAN     NOT NULL DEFAULT FALSE,
	published_at   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at, id) WHERE published = FALSE;

CREATE TABLE IF NOT EXISTS processed_event (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT        NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema applies idempotent DDL in order.
func EnsureSchema(ctx context.Context, db *sql.DB, statements ...string) error {
	for i, ddl := range statements {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema %d: %w", i, err)
		}
	}
	return nil
}
