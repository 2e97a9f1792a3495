package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"order_id", "o-1", "db_password", "hunter2", "dangling"})

	assert.Equal(t, []interface{}{"order_id", "o-1", "db_password", "[REDACTED]", "dangling"}, out)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("development", "loud")
	assert.Error(t, err)

	log, err := New("production", "warn")
	require.NoError(t, err)
	assert.NotNil(t, log.With("component", "test"))
}
