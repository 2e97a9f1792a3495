package handlers

import (
	"time"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

type CreateOrderRequest struct {
	OrderID         string                   `json:"order_id"`
	CustomerID      string                   `json:"customer_id"`
	Items           []OrderItemRequest       `json:"items"`
	ShippingAddress *ShippingAddressResponse `json:"shipping_address"`
	Currency        string                   `json:"currency"`
	PaymentMethod   string                   `json:"payment_method"`
	IdempotencyKey  string                   `json:"idempotency_key"`
}

type OrderItemRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// toDomain prefers the Idempotency-Key header over the body field.
func (r CreateOrderRequest) toDomain(headerKey string) domain.CreateOrderRequest {
	items := make([]types.OrderItem, len(r.Items))
	for i, item := range r.Items {
		items[i] = types.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.Price}
	}
	key := r.IdempotencyKey
	if headerKey != "" {
		key = headerKey
	}
	var address *types.ShippingAddress
	if r.ShippingAddress != nil {
		a := types.ShippingAddress(*r.ShippingAddress)
		address = &a
	}
	return domain.CreateOrderRequest{
		OrderID:         r.OrderID,
		CustomerID:      r.CustomerID,
		Items:           items,
		ShippingAddress: address,
		Currency:        r.Currency,
		PaymentMethod:   r.PaymentMethod,
		IdempotencyKey:  key,
	}
}

type OrderResponse struct {
	ID              string                   `json:"id"`
	CorrelationID   string                   `json:"correlation_id"`
	CustomerID      string                   `json:"customer_id"`
	Items           []OrderItemResponse      `json:"items"`
	TotalAmount     float64                  `json:"total_amount"`
	Currency        string                   `json:"currency"`
	Status          string                   `json:"status"`
	PaymentStatus   string                   `json:"payment_status,omitempty"`
	InventoryStatus string                   `json:"inventory_status,omitempty"`
	ShippingAddress *ShippingAddressResponse `json:"shipping_address,omitempty"`
	ReservationID   string                   `json:"reservation_id,omitempty"`
	TransactionID   string                   `json:"transaction_id,omitempty"`
	PaymentAttempts int                      `json:"payment_attempts"`
	FailureReason   string                   `json:"failure_reason,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

type OrderItemResponse struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

type ShippingAddressResponse struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

func newOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		ID:              o.ID,
		CorrelationID:   o.CorrelationID,
		CustomerID:      o.CustomerID,
		Items:           mapOrderItems(o.Items),
		TotalAmount:     o.TotalAmount,
		Currency:        o.Currency,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		InventoryStatus: string(o.InventoryStatus),
		ShippingAddress: mapShippingAddress(o.ShippingAddress),
		ReservationID:   o.ReservationID,
		TransactionID:   o.TransactionID,
		PaymentAttempts: o.PaymentAttempts,
		FailureReason:   o.FailureReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func mapOrderItems(items []types.OrderItem) []OrderItemResponse {
	responses := make([]OrderItemResponse, len(items))
	for i, item := range items {
		responses[i] = OrderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.UnitPrice,
		}
	}
	return responses
}

func mapShippingAddress(address *types.ShippingAddress) *ShippingAddressResponse {
	if address == nil {
		return nil
	}
	a := ShippingAddressResponse(*address)
	return &a
}
