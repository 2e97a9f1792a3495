package handlers

import (
	"time"

	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

type ChargeRequest struct {
	OrderID        string  `json:"order_id"`
	CustomerID     string  `json:"customer_id"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	PaymentMethod  string  `json:"payment_method"`
	IdempotencyKey string  `json:"idempotency_key"`
	AttemptNumber  int     `json:"attempt_number"`
}

func (r ChargeRequest) toDomain() domain.ChargeRequest {
	return domain.ChargeRequest{
		OrderID:        r.OrderID,
		CustomerID:     r.CustomerID,
		Amount:         r.Amount,
		Currency:       r.Currency,
		PaymentMethod:  r.PaymentMethod,
		IdempotencyKey: r.IdempotencyKey,
		AttemptNumber:  r.AttemptNumber,
	}
}

type RefundRequest struct {
	OrderID        string  `json:"order_id"`
	TransactionID  string  `json:"transaction_id"`
	Amount         float64 `json:"amount"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotency_key"`
}

type PaymentStatusResponse struct {
	Status          types.PaymentStatus `json:"status"`
	CanRefund       bool                `json:"can_refund"`
	RemainingRefund float64             `json:"remaining_refund_amount"`
	IsFullyRefunded bool                `json:"is_fully_refunded"`
	RetryAllowed    bool                `json:"retry_allowed"`
	AttemptCount    int                 `json:"attempt_count"`
	LastUpdated     time.Time           `json:"last_updated"`
}

func newPaymentStatusResponse(p *domain.Payment) PaymentStatusResponse {
	return PaymentStatusResponse{
		Status:          p.Status,
		CanRefund:       p.CanRefund(),
		RemainingRefund: p.RemainingRefund(),
		IsFullyRefunded: p.Status == types.PaymentStatusRefunded,
		RetryAllowed:    p.RetryAllowed,
		AttemptCount:    p.AttemptCount,
		LastUpdated:     p.UpdatedAt,
	}
}
