package domain

import (
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
)

// Policy holds the tunables of the saga.
type Policy struct {
	MaxPaymentAttempts int
}

// Step is one audited move of the order.
type Step struct {
	From    types.OrderStatus
	To      types.OrderStatus
	Details string
}

// Outcome is what applying one event decided. An outcome with a non-empty
// Ignored leaves the order untouched.
type Outcome struct {
	Steps   []Step
	Emit    []events.Payload
	Ignored string
}

func (o Outcome) Changed() bool { return o.Ignored == "" }

func ignore(format string, args ...interface{}) Outcome {
	return Outcome{Ignored: fmt.Sprintf(format, args...)}
}

// Apply advances the order by one inbound event and returns the audit steps
// and the events to emit. It mutates o only when the outcome is a change.
func (o *Order) Apply(payload events.Payload, policy Policy, now time.Time) Outcome {
	var out Outcome
	switch p := payload.(type) {
	case events.InventoryReserved:
		out = o.onReserved(p)
	case events.InventoryReservationFailed:
		out = o.onReservationFailed(p)
	case events.PaymentSucceeded:
		out = o.onPaymentSucceeded(p)
	case events.PaymentFailed:
		out = o.onPaymentFailed(p, policy)
	case events.InventoryCommitted:
		out = o.onCommitted(p)
	case events.InventoryReleased:
		out = o.onReleased(p)
	case events.PaymentRefunded:
		out = o.onRefunded(p)
	default:
		out = ignore("%s is not a saga input", payload.EventType())
	}
	if out.Changed() {
		o.UpdatedAt = now
	}
	return out
}

func (o *Order) move(out *Outcome, to types.OrderStatus, details string) {
	out.Steps = append(out.Steps, Step{From: o.Status, To: to, Details: details})
	o.Status = to
}

func (o *Order) note(out *Outcome, details string) {
	out.Steps = append(out.Steps, Step{From: o.Status, To: o.Status, Details: details})
}

func (o *Order) onReserved(p events.InventoryReserved) Outcome {
	var out Outcome
	switch {
	case o.Status == types.OrderStatusPending:
		o.ReservationID = p.ReservationID
		o.InventoryStatus = types.ReservationStatusReserved
		o.move(&out, types.OrderStatusConfirmed, "inventory reserved")
		o.PaymentAttempts = 1
		o.PaymentStatus = types.PaymentStatusPending
		o.move(&out, types.OrderStatusPaymentPending, "payment requested")
		out.Emit = append(out.Emit, o.paymentRequest())
	case o.Status.IsTerminal() && o.ReservationID == "":
		// the order ended before its stock was held; hand the stock back
		o.ReservationID = p.ReservationID
		o.InventoryStatus = types.ReservationStatusReserved
		o.note(&out, "late reservation released")
		out.Emit = append(out.Emit, events.InventoryReleaseRequested{
			OrderID:       o.ID,
			ReservationID: p.ReservationID,
			Reason:        "order already " + string(o.Status),
		})
	default:
		return ignore("reservation %s for %s order", p.ReservationID, o.Status)
	}
	return out
}

func (o *Order) onReservationFailed(p events.InventoryReservationFailed) Outcome {
	if !o.beforePaid() {
		return ignore("reservation failure for %s order", o.Status)
	}
	var out Outcome
	o.FailureReason = p.FailureReason
	o.move(&out, types.OrderStatusCancelled, "inventory reservation failed: "+p.FailureReason)
	out.Emit = append(out.Emit, o.cancelled())
	return out
}

func (o *Order) onPaymentSucceeded(p events.PaymentSucceeded) Outcome {
	var out Outcome
	switch {
	case o.Status == types.OrderStatusPaymentPending:
		o.recordCapture(p)
		o.move(&out, types.OrderStatusPaid, "payment captured "+p.TransactionID)
		out.Emit = append(out.Emit, events.InventoryCommitRequested{
			OrderID:       o.ID,
			ReservationID: o.ReservationID,
		})
	case o.Status.IsTerminal() && o.TransactionID == "":
		// money arrived after the order gave up
		o.recordCapture(p)
		o.note(&out, "late payment refunded "+p.TransactionID)
		out.Emit = append(out.Emit, o.refundRequest("order " + string(o.Status) + " before payment completed"))
	default:
		return ignore("payment %s for %s order", p.PaymentID, o.Status)
	}
	return out
}

func (o *Order) onPaymentFailed(p events.PaymentFailed, policy Policy) Outcome {
	if o.Status != types.OrderStatusPaymentPending {
		return ignore("payment failure for %s order", o.Status)
	}
	if p.AttemptNumber != o.PaymentAttempts {
		return ignore("stale payment failure for attempt %d, current attempt %d", p.AttemptNumber, o.PaymentAttempts)
	}
	var out Outcome
	o.PaymentID = p.PaymentID
	if p.RetryAllowed && o.PaymentAttempts < policy.MaxPaymentAttempts {
		o.PaymentAttempts++
		o.note(&out, fmt.Sprintf("payment attempt %d failed: %s", p.AttemptNumber, p.FailureReason))
		out.Emit = append(out.Emit, o.paymentRequest())
		return out
	}
	o.PaymentStatus = types.PaymentStatusFailed
	o.FailureReason = "payment failed: " + p.FailureReason
	o.move(&out, types.OrderStatusCancelled, o.FailureReason)
	out.Emit = append(out.Emit, o.releaseRequest("payment failed"), o.cancelled())
	return out
}

func (o *Order) onCommitted(p events.InventoryCommitted) Outcome {
	if o.Status != types.OrderStatusPaid {
		return ignore("inventory commit for %s order", o.Status)
	}
	var out Outcome
	o.InventoryStatus = types.ReservationStatusCommitted
	o.move(&out, types.OrderStatusFulfilled, "inventory committed")
	out.Emit = append(out.Emit, events.OrderFulfilled{OrderID: o.ID, Status: o.Status})
	return out
}

func (o *Order) onReleased(p events.InventoryReleased) Outcome {
	status := types.ReservationStatusReleased
	if p.Expired {
		status = types.ReservationStatusExpired
	}
	if o.InventoryStatus == status {
		return ignore("reservation already %s", status)
	}
	var out Outcome
	o.InventoryStatus = status
	switch {
	case p.Expired && (o.Status == types.OrderStatusConfirmed || o.Status == types.OrderStatusPaymentPending):
		o.FailureReason = "reservation expired"
		o.move(&out, types.OrderStatusCancelled, o.FailureReason)
		out.Emit = append(out.Emit, o.cancelled())
	case p.Expired && o.Status == types.OrderStatusPaid:
		o.FailureReason = "reservation expired after payment"
		o.move(&out, types.OrderStatusFailed, o.FailureReason)
		out.Emit = append(out.Emit,
			o.refundRequest(o.FailureReason),
			events.OrderFailed{OrderID: o.ID, Status: o.Status, Reason: o.FailureReason},
		)
	default:
		o.note(&out, "inventory "+string(status)+": "+p.Reason)
	}
	return out
}

func (o *Order) onRefunded(p events.PaymentRefunded) Outcome {
	if o.PaymentStatus == p.Status {
		return ignore("payment already %s", p.Status)
	}
	var out Outcome
	o.PaymentStatus = p.Status
	o.note(&out, fmt.Sprintf("payment refunded %.2f (%s)", p.Amount, p.RefundID))
	return out
}

func (o *Order) beforePaid() bool {
	switch o.Status {
	case types.OrderStatusPending, types.OrderStatusConfirmed, types.OrderStatusPaymentPending:
		return true
	}
	return false
}

func (o *Order) recordCapture(p events.PaymentSucceeded) {
	o.PaymentID = p.PaymentID
	o.TransactionID = p.TransactionID
	o.PaymentStatus = types.PaymentStatusCaptured
}

// PaymentKey is the idempotency key of every charge for this order.
func (o *Order) PaymentKey() string { return "payment:" + o.ID }

func (o *Order) paymentRequest() events.PaymentRequested {
	return events.PaymentRequested{
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		Amount:         o.TotalAmount,
		Currency:       o.Currency,
		PaymentMethod:  o.PaymentMethod,
		IdempotencyKey: o.PaymentKey(),
		AttemptNumber:  o.PaymentAttempts,
	}
}

func (o *Order) refundRequest(reason string) events.PaymentRefundRequested {
	return events.PaymentRefundRequested{
		OrderID:        o.ID,
		PaymentID:      o.PaymentID,
		TransactionID:  o.TransactionID,
		Amount:         o.TotalAmount,
		Reason:         reason,
		IdempotencyKey: "refund:" + o.ID,
	}
}

func (o *Order) releaseRequest(reason string) events.InventoryReleaseRequested {
	return events.InventoryReleaseRequested{
		OrderID:       o.ID,
		ReservationID: o.ReservationID,
		Reason:        reason,
	}
}

func (o *Order) cancelled() events.OrderCancelled {
	return events.OrderCancelled{OrderID: o.ID, Status: o.Status, Reason: o.FailureReason}
}
