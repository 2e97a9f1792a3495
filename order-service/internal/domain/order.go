package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/google/uuid"
)

type Order struct {
	ID              string                  `json:"id"`
	CorrelationID   string                  `json:"correlation_id"`
	CustomerID      string                  `json:"customer_id"`
	Status          types.OrderStatus       `json:"status"`
	PaymentStatus   types.PaymentStatus     `json:"payment_status,omitempty"`
	InventoryStatus types.ReservationStatus `json:"inventory_status,omitempty"`
	Items           []types.OrderItem       `json:"items"`
	TotalAmount     float64                 `json:"total_amount"`
	Currency        string                  `json:"currency"`
	PaymentMethod   string                  `json:"payment_method"`
	ShippingAddress *types.ShippingAddress  `json:"shipping_address,omitempty"`
	IdempotencyKey  string                  `json:"idempotency_key"`
	ReservationID   string                  `json:"reservation_id,omitempty"`
	PaymentID       string                  `json:"payment_id,omitempty"`
	TransactionID   string                  `json:"transaction_id,omitempty"`
	PaymentAttempts int                     `json:"payment_attempts"`
	FailureReason   string                  `json:"failure_reason,omitempty"`
	Version         int64                   `json:"version"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// OrderEvent is one audited saga step. From and To are equal for steps that
// did not move the order, such as a payment retry.
type OrderEvent struct {
	ID          string            `json:"id"`
	OrderID     string            `json:"order_id"`
	EventType   events.Type       `json:"event_type"`
	FromStatus  types.OrderStatus `json:"from_status,omitempty"`
	ToStatus    types.OrderStatus `json:"to_status"`
	CausationID string            `json:"causation_id,omitempty"`
	Details     string            `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type CreateOrderRequest struct {
	OrderID         string                 `json:"order_id"`
	CustomerID      string                 `json:"customer_id"`
	Items           []types.OrderItem      `json:"items"`
	ShippingAddress *types.ShippingAddress `json:"shipping_address"`
	Currency        string                 `json:"currency"`
	PaymentMethod   string                 `json:"payment_method"`
	IdempotencyKey  string                 `json:"idempotency_key"`
}

// Validate rejects requests that could never be fulfilled.
func (r CreateOrderRequest) Validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return apperr.Business(apperr.CodeValidation, "customer_id is required")
	}
	if len(r.Items) == 0 {
		return apperr.Business(apperr.CodeValidation, "at least one item is required")
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return apperr.Business(apperr.CodeValidation, fmt.Sprintf("items[%d].productId is required", i))
		}
		if item.Quantity <= 0 {
			return apperr.Business(apperr.CodeInvalidQuantity,
				fmt.Sprintf("items[%d].quantity must be positive", i), "product_id", item.ProductID)
		}
		if item.UnitPrice < 0 || math.IsNaN(item.UnitPrice) || math.IsInf(item.UnitPrice, 0) {
			return apperr.Business(apperr.CodeInvalidAmount,
				fmt.Sprintf("items[%d].unitPrice is invalid", i), "product_id", item.ProductID)
		}
	}
	return nil
}

// NewOrder builds a PENDING order. The order id doubles as the saga's
// correlation id.
func NewOrder(req CreateOrderRequest, now time.Time) *Order {
	id := req.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "order:" + id
	}
	currency := req.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	method := req.PaymentMethod
	if method == "" {
		method = types.DefaultPaymentMethod
	}
	return &Order{
		ID:              id,
		CorrelationID:   id,
		CustomerID:      req.CustomerID,
		Status:          types.OrderStatusPending,
		Items:           req.Items,
		TotalAmount:     math.Round(types.TotalAmount(req.Items)*100) / 100,
		Currency:        currency,
		PaymentMethod:   method,
		ShippingAddress: req.ShippingAddress,
		IdempotencyKey:  key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (o *Order) Created() events.OrderCreated {
	return events.OrderCreated{
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		Items:          o.Items,
		TotalAmount:    o.TotalAmount,
		Currency:       o.Currency,
		PaymentMethod:  o.PaymentMethod,
		IdempotencyKey: o.IdempotencyKey,
	}
}
