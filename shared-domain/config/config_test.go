package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileValuesApplyWhenEnvUnset(t *testing.T) {
	src, err := Parse([]byte(`
OUTBOX_POLL_INTERVAL: 2s
OUTBOX_BATCH_SIZE: 50
gateway_decline_rate: 0.25
RESERVATION_TTL: 900
`))
	require.NoError(t, err)

	out := src.Outbox()
	assert.Equal(t, 2*time.Second, out.PollInterval)
	assert.Equal(t, 50, out.BatchSize)
	assert.Equal(t, 7*24*time.Hour, out.Retention)
	assert.InDelta(t, 0.25, src.Float("GATEWAY_DECLINE_RATE", 0), 1e-9)
	assert.Equal(t, 15*time.Minute, src.Duration("RESERVATION_TTL", time.Minute))
}

func TestEnvOverridesFile(t *testing.T) {
	src, err := Parse([]byte("DB_NAME: from_file\nDB_PORT: 6543\n"))
	require.NoError(t, err)
	t.Setenv("DB_NAME", "from_env")

	db := src.Database("inventory_db")
	assert.Equal(t, "from_env", db.Name)
	assert.Equal(t, 6543, db.Port)
	assert.Contains(t, db.DSN(), "dbname=from_env")
}

func TestMalformedValuesFallBackToDefault(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	t.Setenv("FEATURE_ENABLED", "maybe")

	var src *Source
	assert.Equal(t, 100, src.Int("OUTBOX_BATCH_SIZE", 100))
	assert.True(t, src.Bool("FEATURE_ENABLED", true))
	assert.Equal(t, "fallback", src.String("UNSET_KEY_FOR_TEST", "fallback"))
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("key: [unterminated"))
	assert.Error(t, err)
}
