package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(cfg SimulatedConfig) *SimulatedGateway {
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return NewSimulatedGateway(cfg, logger.Nop())
}

func TestChargeIsIdempotentPerKey(t *testing.T) {
	g := newGateway(SimulatedConfig{})
	req := ChargeRequest{OrderID: "o-1", Amount: 100, IdempotencyKey: "k:1"}

	first, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	second, err := g.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, first.Approved)
	assert.Equal(t, first, second)
	assert.Equal(t, 3.2, first.Fee)
	assert.Len(t, first.AuthorizationCode, 6)

	req.IdempotencyKey = "k:2"
	third, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionID, third.TransactionID)
}

func TestChaosPrefixAlwaysDeclines(t *testing.T) {
	g := newGateway(SimulatedConfig{ChaosPrefix: "chaos_"})

	for i := 0; i < 5; i++ {
		res, err := g.Charge(context.Background(), ChargeRequest{
			OrderID: "chaos_1", Amount: 10, IdempotencyKey: "chaos_1:" + string(rune('a'+i)),
		})
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.False(t, res.Retryable)
		assert.Equal(t, CodeCardDeclined, res.FailureCode)
	}
}

func TestTransientErrorsAreNotRemembered(t *testing.T) {
	g := newGateway(SimulatedConfig{TransientErrorRate: 1})
	req := ChargeRequest{OrderID: "o-1", Amount: 10, IdempotencyKey: "k:1"}

	_, err := g.Charge(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnavailable)

	g.cfg.TransientErrorRate = 0
	res, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestDeclineRate(t *testing.T) {
	g := newGateway(SimulatedConfig{DeclineRate: 1})

	res, err := g.Charge(context.Background(), ChargeRequest{OrderID: "o-1", Amount: 10, IdempotencyKey: "k"})

	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, CodeInsufficientFunds, res.FailureCode)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	g := newGateway(SimulatedConfig{})
	charge, err := g.Charge(ctx, ChargeRequest{OrderID: "o-1", Amount: 50, IdempotencyKey: "k:1"})
	require.NoError(t, err)

	refund := RefundRequest{TransactionID: charge.TransactionID, Amount: 30, IdempotencyKey: "r-1"}
	first, err := g.Refund(ctx, refund)
	require.NoError(t, err)
	again, err := g.Refund(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = g.Refund(ctx, RefundRequest{TransactionID: charge.TransactionID, Amount: 30, IdempotencyKey: "r-2"})
	assert.Error(t, err)
	_, err = g.Refund(ctx, RefundRequest{TransactionID: "TXN_nope", Amount: 1, IdempotencyKey: "r-3"})
	assert.ErrorContains(t, err, CodeUnknownTxn)
}

func TestLatencyHonoursContext(t *testing.T) {
	g := newGateway(SimulatedConfig{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.Charge(ctx, ChargeRequest{OrderID: "o-1", Amount: 1, IdempotencyKey: "k"})

	assert.ErrorIs(t, err, ErrUnavailable)
}
