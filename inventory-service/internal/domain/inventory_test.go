package domain

import (
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservationTransitions(t *testing.T) {
	now := time.Now()
	items := []types.StockItem{{ProductID: "p-1", Quantity: 2}}

	r := NewReservation("o-1", "corr-1", items, 15*time.Minute, now)
	require.NoError(t, r.Commit(now))
	assert.Equal(t, types.ReservationStatusCommitted, r.Status)
	assert.NotNil(t, r.CommittedAt)

	err := r.Release("payment failed", now)
	assert.True(t, apperr.IsBusiness(err))
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))

	r = NewReservation("o-2", "corr-2", items, 15*time.Minute, now)
	require.NoError(t, r.Release("payment failed", now))
	assert.Equal(t, "payment failed", r.ReleaseReason)
	assert.Error(t, r.Expire(now))
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	r := NewReservation("o-1", "", nil, time.Minute, now)

	assert.False(t, r.IsExpired(now))
	assert.True(t, r.IsExpired(now.Add(2*time.Minute)))

	require.NoError(t, r.Expire(now.Add(2*time.Minute)))
	assert.Equal(t, types.ReservationStatusExpired, r.Status)
	assert.False(t, r.IsExpired(now.Add(time.Hour)))
}

func TestShortfalls(t *testing.T) {
	stock := map[string]Stock{
		"p-1": {ProductID: "p-1", Available: 8},
		"p-2": {ProductID: "p-2", Available: 1},
	}

	assert.Nil(t, Shortfalls(stock, []types.StockItem{{ProductID: "p-1", Quantity: 8}}))

	short := Shortfalls(stock, []types.StockItem{
		{ProductID: "p-1", Quantity: 9},
		{ProductID: "p-2", Quantity: 1},
		{ProductID: "p-3", Quantity: 1},
	})
	assert.Equal(t, []types.Shortfall{
		{ProductID: "p-1", Requested: 9, Available: 8},
		{ProductID: "p-3", Requested: 1, Available: 0},
	}, short)
	assert.Equal(t, apperr.CodeUnknownProduct, ShortfallCode(stock, short))
	assert.Equal(t, apperr.CodeInsufficientStock, ShortfallCode(stock, short[:1]))
}

func TestValidateItems(t *testing.T) {
	assert.NoError(t, ValidateItems([]types.StockItem{{ProductID: "p-1", Quantity: 1}}))
	assert.Equal(t, apperr.CodeInvalidQuantity, apperr.CodeOf(ValidateItems(nil)))
	assert.Equal(t, apperr.CodeInvalidQuantity,
		apperr.CodeOf(ValidateItems([]types.StockItem{{ProductID: "p-1", Quantity: 0}})))
	assert.Equal(t, apperr.CodeUnknownProduct,
		apperr.CodeOf(ValidateItems([]types.StockItem{{Quantity: 1}})))
}
