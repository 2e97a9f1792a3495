package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

type Type string

const (
	// Emitted by the order service.
	TypeOrderCreated              Type = "OrderCreated"
	TypePaymentRequested          Type = "PaymentRequested"
	TypeInventoryCommitRequested  Type = "InventoryCommitRequested"
	TypeInventoryReleaseRequested Type = "InventoryReleaseRequested"
	TypePaymentRefundRequested    Type = "PaymentRefundRequested"
	TypeOrderFulfilled            Type = "OrderFulfilled"
	TypeOrderCancelled            Type = "OrderCancelled"
	TypeOrderFailed               Type = "OrderFailed"

	// Emitted by the inventory service.
	TypeInventoryReserved          Type = "InventoryReserved"
	TypeInventoryReservationFailed Type = "InventoryReservationFailed"
	TypeInventoryCommitted         Type = "InventoryCommitted"
	TypeInventoryReleased          Type = "InventoryReleased"

	// Emitted by the payment service.
	TypePaymentSucceeded Type = "PaymentSucceeded"
	TypePaymentFailed    Type = "PaymentFailed"
	TypePaymentRefunded  Type = "PaymentRefunded"
)

const (
	TopicOrders    = "orders"
	TopicInventory = "inventory"
	TopicPayments  = "payments"
)

const (
	AggregateOrder       = "Order"
	AggregateReservation = "Reservation"
	AggregatePayment     = "Payment"
)

// AllTypes lists every variant of the union.
func AllTypes() []Type {
	return []Type{
		TypeOrderCreated, TypePaymentRequested, TypeInventoryCommitRequested,
		TypeInventoryReleaseRequested, TypePaymentRefundRequested,
		TypeOrderFulfilled, TypeOrderCancelled, TypeOrderFailed,
		TypeInventoryReserved, TypeInventoryReservationFailed,
		TypeInventoryCommitted, TypeInventoryReleased,
		TypePaymentSucceeded, TypePaymentFailed, TypePaymentRefunded,
	}
}

// Topic is the logical bus topic the type is published on, derived from the
// owning service.
func (t Type) Topic() string {
	switch t.Aggregate() {
	case AggregateReservation:
		return TopicInventory
	case AggregatePayment:
		return TopicPayments
	default:
		return TopicOrders
	}
}

func (t Type) Aggregate() string {
	switch t {
	case TypeInventoryReserved, TypeInventoryReservationFailed, TypeInventoryCommitted, TypeInventoryReleased:
		return AggregateReservation
	case TypePaymentSucceeded, TypePaymentFailed, TypePaymentRefunded:
		return AggregatePayment
	default:
		return AggregateOrder
	}
}

// RoutingKey is "<topic>.<type>", the key bound on the topic exchange.
func (t Type) RoutingKey() string {
	return t.Topic() + "." + string(t)
}

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	EventType() Type
	// AggregateID keys the event; all events of one aggregate share it.
	AggregateID() string
	// OrderRef is the order the event belongs to.
	OrderRef() string
	sealed()
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeOrderCreated:
		return decodeAs[OrderCreated](raw)
	case TypePaymentRequested:
		return decodeAs[PaymentRequested](raw)
	case TypeInventoryCommitRequested:
		return decodeAs[InventoryCommitRequested](raw)
	case TypeInventoryReleaseRequested:
		return decodeAs[InventoryReleaseRequested](raw)
	case TypePaymentRefundRequested:
		return decodeAs[PaymentRefundRequested](raw)
	case TypeOrderFulfilled:
		return decodeAs[OrderFulfilled](raw)
	case TypeOrderCancelled:
		return decodeAs[OrderCancelled](raw)
	case TypeOrderFailed:
		return decodeAs[OrderFailed](raw)
	case TypeInventoryReserved:
		return decodeAs[InventoryReserved](raw)
	case TypeInventoryReservationFailed:
		return decodeAs[InventoryReservationFailed](raw)
	case TypeInventoryCommitted:
		return decodeAs[InventoryCommitted](raw)
	case TypeInventoryReleased:
		return decodeAs[InventoryReleased](raw)
	case TypePaymentSucceeded:
		return decodeAs[PaymentSucceeded](raw)
	case TypePaymentFailed:
		return decodeAs[PaymentFailed](raw)
	case TypePaymentRefunded:
		return decodeAs[PaymentRefunded](raw)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
}

type OrderCreated struct {
	OrderID        string            `json:"orderId"`
	CustomerID     string            `json:"customerId"`
	Items          []types.OrderItem `json:"items"`
	TotalAmount    float64           `json:"totalAmount"`
	Currency       string            `json:"currency"`
	PaymentMethod  string            `json:"paymentMethod"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type PaymentRequested struct {
	OrderID        string  `json:"orderId"`
	CustomerID     string  `json:"customerId"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	PaymentMethod  string  `json:"paymentMethod"`
	IdempotencyKey string  `json:"idempotencyKey"`
	AttemptNumber  int     `json:"attemptNumber"`
}

type InventoryCommitRequested struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
}

type InventoryReleaseRequested struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId,omitempty"`
	Reason        string `json:"reason"`
}

type PaymentRefundRequested struct {
	OrderID        string  `json:"orderId"`
	PaymentID      string  `json:"paymentId"`
	TransactionID  string  `json:"transactionId"`
	Amount         float64 `json:"amount"`
	Reason         string  `json:"reason"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

type OrderFulfilled struct {
	OrderID string            `json:"orderId"`
	Status  types.OrderStatus `json:"status"`
}

type OrderCancelled struct {
	OrderID string            `json:"orderId"`
	Status  types.OrderStatus `json:"status"`
	Reason  string            `json:"reason"`
}

type OrderFailed struct {
	OrderID string            `json:"orderId"`
	Status  types.OrderStatus `json:"status"`
	Reason  string            `json:"reason"`
}

type InventoryReserved struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	Items         []types.StockItem `json:"items"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

type InventoryReservationFailed struct {
	OrderID       string            `json:"orderId"`
	FailureReason string            `json:"failureReason"`
	FailureCode   string            `json:"failureCode,omitempty"`
	Items         []types.Shortfall `json:"items"`
}

type InventoryCommitted struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	Items         []types.StockItem `json:"items"`
}

type InventoryReleased struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	Items         []types.StockItem `json:"items"`
	Reason        string            `json:"reason"`
	Expired       bool              `json:"expired"`
}

type PaymentSucceeded struct {
	PaymentID         string  `json:"paymentId"`
	OrderID           string  `json:"orderId"`
	TransactionID     string  `json:"transactionId"`
	AuthorizationCode string  `json:"authorizationCode"`
	Amount            float64 `json:"amount"`
	Fee               float64 `json:"fee"`
}

type PaymentFailed struct {
	PaymentID     string `json:"paymentId"`
	OrderID       string `json:"orderId"`
	FailureReason string `json:"failureReason"`
	FailureCode   string `json:"failureCode,omitempty"`
	RetryAllowed  bool   `json:"retryAllowed"`
	AttemptNumber int    `json:"attemptNumber"`
}

type PaymentRefunded struct {
	PaymentID string              `json:"paymentId"`
	OrderID   string              `json:"orderId"`
	RefundID  string              `json:"refundId"`
	Amount    float64             `json:"amount"`
	Status    types.PaymentStatus `json:"status"`
}

func (OrderCreated) EventType() Type               { return TypeOrderCreated }
func (PaymentRequested) EventType() Type           { return TypePaymentRequested }
func (InventoryCommitRequested) EventType() Type   { return TypeInventoryCommitRequested }
func (InventoryReleaseRequested) EventType() Type  { return TypeInventoryReleaseRequested }
func (PaymentRefundRequested) EventType() Type     { return TypePaymentRefundRequested }
func (OrderFulfilled) EventType() Type             { return TypeOrderFulfilled }
func (OrderCancelled) EventType() Type             { return TypeOrderCancelled }
func (OrderFailed) EventType() Type                { return TypeOrderFailed }
func (InventoryReserved) EventType() Type          { return TypeInventoryReserved }
func (InventoryReservationFailed) EventType() Type { return TypeInventoryReservationFailed }
func (InventoryCommitted) EventType() Type         { return TypeInventoryCommitted }
func (InventoryReleased) EventType() Type          { return TypeInventoryReleased }
func (PaymentSucceeded) EventType() Type           { return TypePaymentSucceeded }
func (PaymentFailed) EventType() Type              { return TypePaymentFailed }
func (PaymentRefunded) EventType() Type            { return TypePaymentRefunded }

func (e OrderCreated) AggregateID() string              { return e.OrderID }
func (e PaymentRequested) AggregateID() string          { return e.OrderID }
func (e InventoryCommitRequested) AggregateID() string  { return e.OrderID }
func (e InventoryReleaseRequested) AggregateID() string { return e.OrderID }
func (e PaymentRefundRequested) AggregateID() string    { return e.OrderID }
func (e OrderFulfilled) AggregateID() string            { return e.OrderID }
func (e OrderCancelled) AggregateID() string            { return e.OrderID }
func (e OrderFailed) AggregateID() string               { return e.OrderID }
func (e InventoryReserved) AggregateID() string         { return e.ReservationID }
func (e InventoryCommitted) AggregateID() string        { return e.ReservationID }
func (e InventoryReleased) AggregateID() string         { return e.ReservationID }
func (e PaymentSucceeded) AggregateID() string          { return e.PaymentID }
func (e PaymentFailed) AggregateID() string             { return e.PaymentID }
func (e PaymentRefunded) AggregateID() string           { return e.PaymentID }

// A failed reservation never created a Reservation row; it is keyed by order.
func (e InventoryReservationFailed) AggregateID() string { return e.OrderID }

func (e OrderCreated) OrderRef() string               { return e.OrderID }
func (e PaymentRequested) OrderRef() string           { return e.OrderID }
func (e InventoryCommitRequested) OrderRef() string   { return e.OrderID }
func (e InventoryReleaseRequested) OrderRef() string  { return e.OrderID }
func (e PaymentRefundRequested) OrderRef() string     { return e.OrderID }
func (e OrderFulfilled) OrderRef() string             { return e.OrderID }
func (e OrderCancelled) OrderRef() string             { return e.OrderID }
func (e OrderFailed) OrderRef() string                { return e.OrderID }
func (e InventoryReserved) OrderRef() string          { return e.OrderID }
func (e InventoryReservationFailed) OrderRef() string { return e.OrderID }
func (e InventoryCommitted) OrderRef() string         { return e.OrderID }
func (e InventoryReleased) OrderRef() string          { return e.OrderID }
func (e PaymentSucceeded) OrderRef() string           { return e.OrderID }
func (e PaymentFailed) OrderRef() string              { return e.OrderID }
func (e PaymentRefunded) OrderRef() string            { return e.OrderID }

func (OrderCreated) sealed()               {}
func (PaymentRequested) sealed()           {}
func (InventoryCommitRequested) sealed()   {}
func (InventoryReleaseRequested) sealed()  {}
func (PaymentRefundRequested) sealed()     {}
func (OrderFulfilled) sealed()             {}
func (OrderCancelled) sealed()             {}
func (OrderFailed) sealed()                {}
func (InventoryReserved) sealed()          {}
func (InventoryReservationFailed) sealed() {}
func (InventoryCommitted) sealed()         {}
func (InventoryReleased) sealed()          {}
func (PaymentSucceeded) sealed()           {}
func (PaymentFailed) sealed()              {}
func (PaymentRefunded) sealed()            {}
