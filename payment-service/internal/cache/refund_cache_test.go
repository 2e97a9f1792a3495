package cache

import (
	"context"
	"testing"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRefundCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryRefundCache()

	_, err := c.Get(ctx, "r-1")
	assert.ErrorIs(t, err, ErrMiss)

	rec := RefundRecord{PaymentID: "p-1", OrderID: "o-1", RefundID: "RFD_1", Amount: 10, Status: types.PaymentStatusRefunded}
	require.NoError(t, c.Put(ctx, "r-1", rec))

	got, err := c.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
}
