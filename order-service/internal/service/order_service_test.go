package service

import (
	"context"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/inbox"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *memStore
	svc   *OrderService
	clock time.Time
}

func newFixture() *fixture {
	f := &fixture{store: newMemStore(), clock: epoch}
	f.svc = NewOrderService(f.store, Config{MaxPaymentAttempts: 3}, logger.Nop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func orderRequest(customerID string) domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		CustomerID: customerID,
		Items: []types.OrderItem{
			{ProductID: "p-1", Quantity: 2, UnitPrice: 10},
			{ProductID: "p-2", Quantity: 1, UnitPrice: 5.5},
		},
	}
}

func (f *fixture) create(t *testing.T) *domain.Order {
	t.Helper()
	o, created, err := f.svc.CreateOrder(context.Background(), orderRequest("c-1"))
	require.NoError(t, err)
	require.True(t, created)
	return o
}

func (f *fixture) deliver(t *testing.T, orderID string, p events.Payload) events.Envelope {
	t.Helper()
	env := events.New("test", orderID, p)
	require.NoError(t, f.svc.HandleEvent(context.Background(), env))
	return env
}

func (f *fixture) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := f.svc.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

// reserve drives a new order to PAYMENT_PENDING.
func (f *fixture) reserve(t *testing.T) *domain.Order {
	t.Helper()
	o := f.create(t)
	f.deliver(t, o.ID, events.InventoryReserved{ReservationID: "r-" + o.ID, OrderID: o.ID})
	return f.order(t, o.ID)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture()

	o := f.create(t)

	assert.Equal(t, types.OrderStatusPending, o.Status)
	assert.Equal(t, 25.5, o.TotalAmount)
	created := f.store.outboxOf(events.TypeOrderCreated)
	require.Len(t, created, 1)
	assert.Equal(t, o.ID, created[0].Metadata.CorrelationID)
	assert.Equal(t, "order-service", created[0].Metadata.Source)
	assert.Equal(t, o.ID, created[0].Payload.(events.OrderCreated).OrderID)

	trail, err := f.svc.ListEvents(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, types.OrderStatusPending, trail[0].ToStatus)
	assert.Equal(t, created[0].ID(), trail[0].CausationID)
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	f := newFixture()
	req := orderRequest("c-1")
	req.IdempotencyKey = "checkout-42"

	first, created, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)
	for i := 0; i < 3; i++ {
		again, created, err := f.svc.CreateOrder(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	}

	assert.Len(t, f.store.snapshot().orders, 1)
	assert.Len(t, f.store.outboxOf(events.TypeOrderCreated), 1)
}

func TestCreateOrderReusesClientOrderID(t *testing.T) {
	f := newFixture()
	req := orderRequest("c-1")
	req.OrderID = "order-7"

	_, _, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	again, created, err := f.svc.CreateOrder(context.Background(), req)

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "order-7", again.ID)
	assert.Len(t, f.store.outboxOf(events.TypeOrderCreated), 1)
}

func TestCreateOrderRejectsInvalidRequest(t *testing.T) {
	f := newFixture()
	req := orderRequest("c-1")
	req.Items[0].Quantity = 0

	_, _, err := f.svc.CreateOrder(context.Background(), req)

	require.Error(t, err)
	assert.True(t, apperr.IsBusiness(err))
	assert.Equal(t, apperr.CodeInvalidQuantity, apperr.CodeOf(err))
	assert.Empty(t, f.store.snapshot().orders)
	assert.Empty(t, f.store.snapshot().outbox)
}

func TestHappyPathFulfilsOrder(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)
	require.Equal(t, types.OrderStatusPaymentPending, o.Status)

	requested := f.store.outboxOf(events.TypePaymentRequested)
	require.Len(t, requested, 1)
	pay := requested[0].Payload.(events.PaymentRequested)
	assert.Equal(t, 1, pay.AttemptNumber)
	assert.Equal(t, o.TotalAmount, pay.Amount)
	assert.Equal(t, "payment:"+o.ID, pay.IdempotencyKey)

	success := f.deliver(t, o.ID, events.PaymentSucceeded{PaymentID: "pay-1", OrderID: o.ID, TransactionID: "TXN_1"})
	commit := f.store.outboxOf(events.TypeInventoryCommitRequested)
	require.Len(t, commit, 1)
	assert.Equal(t, success.ID(), commit[0].Metadata.CausationID)
	assert.Equal(t, o.ID, commit[0].Metadata.CorrelationID)
	assert.Equal(t, "r-"+o.ID, commit[0].Payload.(events.InventoryCommitRequested).ReservationID)

	f.deliver(t, o.ID, events.InventoryCommitted{ReservationID: "r-" + o.ID, OrderID: o.ID})

	final := f.order(t, o.ID)
	assert.Equal(t, types.OrderStatusFulfilled, final.Status)
	assert.Equal(t, types.PaymentStatusCaptured, final.PaymentStatus)
	assert.Equal(t, types.ReservationStatusCommitted, final.InventoryStatus)
	assert.Equal(t, "TXN_1", final.TransactionID)
	assert.Len(t, f.store.outboxOf(events.TypeOrderFulfilled), 1)

	trail, err := f.svc.ListEvents(context.Background(), o.ID)
	require.NoError(t, err)
	var path []types.OrderStatus
	for _, e := range trail {
		path = append(path, e.ToStatus)
	}
	assert.Equal(t, []types.OrderStatus{
		types.OrderStatusPending,
		types.OrderStatusConfirmed,
		types.OrderStatusPaymentPending,
		types.OrderStatusPaid,
		types.OrderStatusFulfilled,
	}, path)
}

func TestDuplicatePaymentSucceededCommitsOnce(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)
	handle := inbox.NewGuard(f.store, logger.Nop()).Wrap(f.svc.HandleEvent)
	success := events.New("payment-service", o.ID,
		events.PaymentSucceeded{PaymentID: "pay-1", OrderID: o.ID, TransactionID: "TXN_1"})

	require.NoError(t, handle(context.Background(), success))
	require.NoError(t, handle(context.Background(), success))
	// a republished copy carries a fresh event id
	f.deliver(t, o.ID, success.Payload)

	assert.Len(t, f.store.outboxOf(events.TypeInventoryCommitRequested), 1)
	assert.Empty(t, f.store.outboxOf(events.TypePaymentRefundRequested))
	assert.Equal(t, types.OrderStatusPaid, f.order(t, o.ID).Status)
}

func TestPaymentFailureReleasesReservation(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)

	f.deliver(t, o.ID, events.PaymentFailed{
		PaymentID: "pay-1", OrderID: o.ID, AttemptNumber: 1, FailureReason: "card declined", FailureCode: "CARD_DECLINED",
	})

	final := f.order(t, o.ID)
	assert.Equal(t, types.OrderStatusCancelled, final.Status)
	assert.Equal(t, types.PaymentStatusFailed, final.PaymentStatus)
	assert.Contains(t, final.FailureReason, "card declined")
	release := f.store.outboxOf(events.TypeInventoryReleaseRequested)
	require.Len(t, release, 1)
	assert.Equal(t, "r-"+o.ID, release[0].Payload.(events.InventoryReleaseRequested).ReservationID)
	assert.Len(t, f.store.outboxOf(events.TypeOrderCancelled), 1)
	assert.Empty(t, f.store.outboxOf(events.TypeInventoryCommitRequested))
}

func TestRetryableFailureRequestsNextAttempt(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)

	for attempt := 1; attempt <= 3; attempt++ {
		f.deliver(t, o.ID, events.PaymentFailed{OrderID: o.ID, AttemptNumber: attempt, RetryAllowed: true, FailureReason: "gateway error"})
	}

	requested := f.store.outboxOf(events.TypePaymentRequested)
	require.Len(t, requested, 3)
	for i, env := range requested {
		assert.Equal(t, i+1, env.Payload.(events.PaymentRequested).AttemptNumber)
	}
	assert.Equal(t, types.OrderStatusCancelled, f.order(t, o.ID).Status)
	assert.Len(t, f.store.outboxOf(events.TypeInventoryReleaseRequested), 1)
}

func TestStaleFailureIsIgnored(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)
	f.deliver(t, o.ID, events.PaymentFailed{OrderID: o.ID, AttemptNumber: 1, RetryAllowed: true})
	before := f.order(t, o.ID)

	stale := f.deliver(t, o.ID, events.PaymentFailed{OrderID: o.ID, AttemptNumber: 1, RetryAllowed: true})

	after := f.order(t, o.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 2, after.PaymentAttempts)
	assert.Len(t, f.store.outboxOf(events.TypePaymentRequested), 2)
	_, claimed := f.store.snapshot().processed[stale.ID()]
	assert.True(t, claimed)
}

func TestReservationFailureCancels(t *testing.T) {
	f := newFixture()
	o := f.create(t)

	f.deliver(t, o.ID, events.InventoryReservationFailed{OrderID: o.ID, FailureReason: "insufficient inventory"})

	assert.Equal(t, types.OrderStatusCancelled, f.order(t, o.ID).Status)
	assert.Len(t, f.store.outboxOf(events.TypeOrderCancelled), 1)
	assert.Empty(t, f.store.outboxOf(events.TypeInventoryReleaseRequested))
	assert.Empty(t, f.store.outboxOf(events.TypePaymentRequested))
}

func TestLateSuccessAfterExpiryIsRefunded(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)

	f.deliver(t, o.ID, events.InventoryReleased{ReservationID: "r-" + o.ID, OrderID: o.ID, Expired: true, Reason: "reservation expired"})
	require.Equal(t, types.OrderStatusCancelled, f.order(t, o.ID).Status)
	f.deliver(t, o.ID, events.PaymentSucceeded{PaymentID: "pay-1", OrderID: o.ID, TransactionID: "TXN_LATE"})

	refunds := f.store.outboxOf(events.TypePaymentRefundRequested)
	require.Len(t, refunds, 1)
	refund := refunds[0].Payload.(events.PaymentRefundRequested)
	assert.Equal(t, "TXN_LATE", refund.TransactionID)
	assert.Equal(t, o.TotalAmount, refund.Amount)
	assert.Equal(t, types.OrderStatusCancelled, f.order(t, o.ID).Status)
	assert.Empty(t, f.store.outboxOf(events.TypeInventoryCommitRequested))
}

func TestExpiryAfterPaymentFailsAndRefunds(t *testing.T) {
	f := newFixture()
	o := f.reserve(t)
	f.deliver(t, o.ID, events.PaymentSucceeded{PaymentID: "pay-1", OrderID: o.ID, TransactionID: "TXN_1"})

	f.deliver(t, o.ID, events.InventoryReleased{ReservationID: "r-" + o.ID, OrderID: o.ID, Expired: true})

	final := f.order(t, o.ID)
	assert.Equal(t, types.OrderStatusFailed, final.Status)
	assert.Equal(t, types.ReservationStatusExpired, final.InventoryStatus)
	require.Len(t, f.store.outboxOf(events.TypePaymentRefundRequested), 1)
	assert.Len(t, f.store.outboxOf(events.TypeOrderFailed), 1)

	f.deliver(t, o.ID, events.PaymentRefunded{PaymentID: "pay-1", OrderID: o.ID, Amount: o.TotalAmount, Status: types.PaymentStatusRefunded})
	assert.Equal(t, types.PaymentStatusRefunded, f.order(t, o.ID).PaymentStatus)
}

func TestEventForUnknownOrderIsClaimed(t *testing.T) {
	f := newFixture()

	env := f.deliver(t, "missing", events.PaymentSucceeded{PaymentID: "pay-1", OrderID: "missing"})

	_, claimed := f.store.snapshot().processed[env.ID()]
	assert.True(t, claimed)
	assert.Empty(t, f.store.snapshot().outbox)
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture()

	_, err := f.svc.GetOrder(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, apperr.IsBusiness(err))
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestListByCustomer(t *testing.T) {
	f := newFixture()
	for i := 0; i < 3; i++ {
		f.clock = epoch.Add(time.Duration(i) * time.Minute)
		_, _, err := f.svc.CreateOrder(context.Background(), orderRequest("c-1"))
		require.NoError(t, err)
	}
	_, _, err := f.svc.CreateOrder(context.Background(), orderRequest("c-2"))
	require.NoError(t, err)

	orders, err := f.svc.ListByCustomer(context.Background(), "c-1", 2)

	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.True(t, orders[0].CreatedAt.After(orders[1].CreatedAt))

	_, err = f.svc.ListByCustomer(context.Background(), "", 0)
	assert.True(t, apperr.IsBusiness(err))
}
