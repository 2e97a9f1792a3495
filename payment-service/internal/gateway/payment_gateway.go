package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/config"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/google/uuid"
)

// ErrUnavailable is a transport-level failure: the charge may or may not
// have reached the processor.
var ErrUnavailable = errors.New("payment gateway unavailable")

const (
	CodeCardDeclined      = "CARD_DECLINED"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeUnknownTxn        = "UNKNOWN_TRANSACTION"
)

// PaymentGateway is the external payment provider.
type PaymentGateway interface {
	Charge(ctx context.Context, request ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, request RefundRequest) (RefundResult, error)
}

type ChargeRequest struct {
	OrderID        string
	CustomerID     string
	Amount         float64
	Currency       string
	PaymentMethod  string
	IdempotencyKey string
}

type ChargeResult struct {
	Approved          bool
	TransactionID     string
	AuthorizationCode string
	Fee               float64
	FailureReason     string
	FailureCode       string
	Retryable         bool
}

type RefundRequest struct {
	TransactionID  string
	Amount         float64
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundID string
	Amount   float64
}

type SimulatedConfig struct {
	Latency            time.Duration
	DeclineRate        float64
	TransientErrorRate float64
	ChaosPrefix        string
	Seed               int64
}

func NewSimulatedConfig(src *config.Source) SimulatedConfig {
	return SimulatedConfig{
		Latency:            src.Duration("GATEWAY_LATENCY", 200*time.Millisecond),
		DeclineRate:        src.Float("GATEWAY_DECLINE_RATE", 0.1),
		TransientErrorRate: src.Float("GATEWAY_TRANSIENT_ERROR_RATE", 0.05),
		ChaosPrefix:        src.String("GATEWAY_CHAOS_PREFIX", "chaos_"),
		Seed:               int64(src.Int("GATEWAY_SEED", 0)),
	}
}

// SimulatedGateway approves or declines charges at configured rates. Orders
// whose id starts with the chaos prefix are always declined. Results are
// remembered per idempotency key, like a real processor would.
type SimulatedGateway struct {
	cfg SimulatedConfig
	log *logger.Logger

	mu       sync.Mutex
	rnd      *rand.Rand
	charges  map[string]ChargeResult
	refunds  map[string]RefundResult
	captured map[string]float64
}

func NewSimulatedGateway(cfg SimulatedConfig, log *logger.Logger) *SimulatedGateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedGateway{
		cfg:      cfg,
		log:      log.With("component", "gateway"),
		rnd:      rand.New(rand.NewSource(seed)),
		charges:  map[string]ChargeResult{},
		refunds:  map[string]RefundResult{},
		captured: map[string]float64{},
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, request ChargeRequest) (ChargeResult, error) {
	if err := g.wait(ctx); err != nil {
		return ChargeResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.charges[request.IdempotencyKey]; ok {
		return prev, nil
	}

	var result ChargeResult
	switch {
	case g.cfg.ChaosPrefix != "" && strings.HasPrefix(request.OrderID, g.cfg.ChaosPrefix):
		result = ChargeResult{FailureReason: "card declined by issuer", FailureCode: CodeCardDeclined}
	case g.rnd.Float64() < g.cfg.TransientErrorRate:
		g.log.Warn("simulated gateway timeout", "order_id", request.OrderID)
		return ChargeResult{}, fmt.Errorf("charge %s: %w", request.OrderID, ErrUnavailable)
	case g.rnd.Float64() < g.cfg.DeclineRate:
		result = ChargeResult{FailureReason: "insufficient funds", FailureCode: CodeInsufficientFunds}
	default:
		txID := "TXN_" + strings.ToUpper(uuid.NewString()[:12])
		result = ChargeResult{
			Approved:          true,
			TransactionID:     txID,
			AuthorizationCode: fmt.Sprintf("%06d", g.rnd.Intn(1000000)),
			Fee:               Fee(request.Amount),
		}
		g.captured[txID] = request.Amount
	}

	g.charges[request.IdempotencyKey] = result
	g.log.Debug("charge processed", "order_id", request.OrderID, "approved", result.Approved, "code", result.FailureCode)
	return result, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, request RefundRequest) (RefundResult, error) {
	if err := g.wait(ctx); err != nil {
		return RefundResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.refunds[request.IdempotencyKey]; ok {
		return prev, nil
	}
	if g.rnd.Float64() < g.cfg.TransientErrorRate {
		return RefundResult{}, fmt.Errorf("refund %s: %w", request.TransactionID, ErrUnavailable)
	}
	remaining, ok := g.captured[request.TransactionID]
	if !ok {
		return RefundResult{}, fmt.Errorf("%s: %s", CodeUnknownTxn, request.TransactionID)
	}
	if request.Amount > remaining+0.005 {
		return RefundResult{}, fmt.Errorf("refund %.2f exceeds captured %.2f", request.Amount, remaining)
	}

	g.captured[request.TransactionID] = remaining - request.Amount
	result := RefundResult{RefundID: "RFD_" + strings.ToUpper(uuid.NewString()[:12]), Amount: request.Amount}
	g.refunds[request.IdempotencyKey] = result
	return result, nil
}

func (g *SimulatedGateway) wait(ctx context.Context) error {
	if g.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-t.C:
		return nil
	}
}

// Fee is the processor's cut: 2.9% plus 30 cents, rounded to cents.
func Fee(amount float64) float64 {
	return math.Round((amount*0.029+0.30)*100) / 100
}
