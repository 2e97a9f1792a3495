package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/google/uuid"
)

// Payment is the single record per order. Status only moves forward
// (PENDING, then CAPTURED or FAILED, then refunds) with one exception:
// BeginAttempt reopens a retryable FAILED payment as PENDING when the order
// asks for a newer attempt.
type Payment struct {
	ID                   string              `json:"id"`
	OrderID              string              `json:"order_id"`
	CustomerID           string              `json:"customer_id"`
	IdempotencyKey       string              `json:"idempotency_key"`
	Amount               float64             `json:"amount"`
	Currency             string              `json:"currency"`
	PaymentMethod        string              `json:"payment_method"`
	Status               types.PaymentStatus `json:"status"`
	TransactionID        string              `json:"transaction_id,omitempty"`
	AuthorizationCode    string              `json:"authorization_code,omitempty"`
	Fee                  float64             `json:"fee"`
	AttemptCount         int                 `json:"attempt_count"`
	FailureReason        string              `json:"failure_reason,omitempty"`
	FailureCode          string              `json:"failure_code,omitempty"`
	RetryAllowed         bool                `json:"retry_allowed"`
	RefundedAmount       float64             `json:"refunded_amount"`
	RefundReference      string              `json:"refund_reference,omitempty"`
	RefundIdempotencyKey string              `json:"-"`
	Version              int64               `json:"-"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
	ProcessedAt          *time.Time          `json:"processed_at,omitempty"`
	RefundedAt           *time.Time          `json:"refunded_at,omitempty"`
}

// ChargeRequest is one attempt at collecting an order's total.
type ChargeRequest struct {
	OrderID        string  `json:"order_id"`
	CustomerID     string  `json:"customer_id"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	PaymentMethod  string  `json:"payment_method"`
	IdempotencyKey string  `json:"idempotency_key"`
	AttemptNumber  int     `json:"attempt_number"`
}

// Normalize fills defaults. An empty idempotency key falls back to the order
// id, which is unique per payment anyway.
func (r ChargeRequest) Normalize() ChargeRequest {
	if r.Currency == "" {
		r.Currency = types.DefaultCurrency
	}
	if r.PaymentMethod == "" {
		r.PaymentMethod = types.DefaultPaymentMethod
	}
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = "payment:" + r.OrderID
	}
	if r.AttemptNumber < 1 {
		r.AttemptNumber = 1
	}
	return r
}

// AttemptKey is sent to the gateway, so a crashed attempt that is resumed
// cannot charge twice while a new attempt gets a fresh charge.
func (r ChargeRequest) AttemptKey() string {
	return fmt.Sprintf("%s:%d", r.IdempotencyKey, r.AttemptNumber)
}

// RefundRequest identifies the payment by transaction id, or by order id when
// the transaction id is unknown. A zero amount refunds what remains.
type RefundRequest struct {
	OrderID        string  `json:"order_id"`
	TransactionID  string  `json:"transaction_id"`
	Amount         float64 `json:"amount"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func NewPayment(req ChargeRequest, now time.Time) *Payment {
	return &Payment{
		ID:             uuid.NewString(),
		OrderID:        req.OrderID,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		Status:         types.PaymentStatusPending,
		AttemptCount:   req.AttemptNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Retryable reports whether a new attempt may charge this payment again.
func (p *Payment) Retryable(attempt int) bool {
	return p.Status == types.PaymentStatusFailed && p.RetryAllowed && attempt > p.AttemptCount
}

// BeginAttempt puts a failed payment back to PENDING for attempt. Callers
// check Retryable first; this is the only backward status move.
func (p *Payment) BeginAttempt(attempt int, now time.Time) {
	p.Status = types.PaymentStatusPending
	p.AttemptCount = attempt
	p.FailureReason = ""
	p.FailureCode = ""
	p.RetryAllowed = false
	p.UpdatedAt = now
}

func (p *Payment) Capture(transactionID, authorizationCode string, fee float64, now time.Time) {
	p.Status = types.PaymentStatusCaptured
	p.TransactionID = transactionID
	p.AuthorizationCode = authorizationCode
	p.Fee = fee
	p.FailureReason = ""
	p.FailureCode = ""
	p.RetryAllowed = false
	p.ProcessedAt = &now
	p.UpdatedAt = now
}

func (p *Payment) Fail(reason, code string, retryable bool, now time.Time) {
	p.Status = types.PaymentStatusFailed
	p.FailureReason = reason
	p.FailureCode = code
	p.RetryAllowed = retryable
	p.ProcessedAt = &now
	p.UpdatedAt = now
}

func (p *Payment) CanRefund() bool {
	return (p.Status == types.PaymentStatusCaptured || p.Status == types.PaymentStatusPartiallyRefunded) &&
		p.RemainingRefund() > 0
}

func (p *Payment) RemainingRefund() float64 {
	return roundCents(p.Amount - p.RefundedAmount)
}

// ValidateRefund checks a refund of amount against what was captured.
func (p *Payment) ValidateRefund(amount float64) error {
	if !p.CanRefund() {
		return apperr.Business(apperr.CodeNotRefundable,
			fmt.Sprintf("payment %s is %s", p.ID, p.Status), "payment_id", p.ID)
	}
	if amount <= 0 || roundCents(amount) > p.RemainingRefund() {
		return apperr.Business(apperr.CodeInvalidAmount,
			fmt.Sprintf("refund %.2f exceeds remaining %.2f", amount, p.RemainingRefund()),
			"payment_id", p.ID, "amount", amount)
	}
	return nil
}

func (p *Payment) ApplyRefund(amount float64, refundReference, idempotencyKey string, now time.Time) {
	p.RefundedAmount = roundCents(p.RefundedAmount + amount)
	p.RefundReference = refundReference
	p.RefundIdempotencyKey = idempotencyKey
	if p.RemainingRefund() <= 0 {
		p.Status = types.PaymentStatusRefunded
	} else {
		p.Status = types.PaymentStatusPartiallyRefunded
	}
	p.RefundedAt = &now
	p.UpdatedAt = now
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
