package handlers

import (
	"context"

	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/domain"
	"github.com/distributed-ecommerce-saga/choreography/payment-service/internal/service"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	sharedHTTP "github.com/distributed-ecommerce-saga/choreography/shared-domain/http"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/gofiber/fiber/v2"
)

type PaymentHandler struct {
	paymentService *service.PaymentService
	log            *logger.Logger
}

func NewPaymentHandler(paymentService *service.PaymentService, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		log:            log.With("component", "payment_handler"),
	}
}

func (h *PaymentHandler) RegisterRoutes(api fiber.Router) {
	api.Get("/health", h.HealthCheck)

	payments := api.Group("/payments")
	payments.Post("/charge", h.Charge)
	payments.Post("/refund", h.Refund)
	payments.Get("/order/:order_id", h.GetPaymentByOrderID)
	payments.Get("/order/:order_id/status", h.GetPaymentStatus)
}

func (h *PaymentHandler) HealthCheck(c *fiber.Ctx) error {
	return sharedHTTP.SuccessResponse(c, "Payment service is healthy", map[string]interface{}{
		"service": "payment-service",
		"status":  "healthy",
	})
}

func (h *PaymentHandler) Charge(c *fiber.Ctx) error {
	var req ChargeRequest
	if err := c.BodyParser(&req); err != nil {
		return sharedHTTP.BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}
	payment, err := h.paymentService.ChargeDirect(c.UserContext(), req.toDomain())
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	if payment.Status == types.PaymentStatusFailed {
		return sharedHTTP.PaymentRequiredResponse(c, payment.FailureCode, payment.FailureReason, payment)
	}
	return sharedHTTP.SuccessResponse(c, "Payment captured", payment)
}

func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	var req RefundRequest
	if err := c.BodyParser(&req); err != nil {
		return sharedHTTP.BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}
	rec, err := h.paymentService.RefundDirect(c.UserContext(), domain.RefundRequest(req))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Payment refunded", rec)
}

func (h *PaymentHandler) GetPaymentByOrderID(c *fiber.Ctx) error {
	payment, err := h.paymentService.GetByOrder(c.UserContext(), c.Params("order_id"))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Payment retrieved successfully", payment)
}

func (h *PaymentHandler) GetPaymentStatus(c *fiber.Ctx) error {
	payment, err := h.paymentService.GetByOrder(c.UserContext(), c.Params("order_id"))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Payment status retrieved", newPaymentStatusResponse(payment))
}

// Bindings are the routing keys the payment queue subscribes to.
func Bindings() []string {
	return messaging.Bindings(
		events.TypePaymentRequested,
		events.TypePaymentRefundRequested,
	)
}

func (h *PaymentHandler) HandleEvent(ctx context.Context, env events.Envelope) error {
	switch p := env.Payload.(type) {
	case events.PaymentRequested:
		_, err := h.paymentService.Charge(ctx, env, domain.ChargeRequest{
			OrderID:        p.OrderID,
			CustomerID:     p.CustomerID,
			Amount:         p.Amount,
			Currency:       p.Currency,
			PaymentMethod:  p.PaymentMethod,
			IdempotencyKey: p.IdempotencyKey,
			AttemptNumber:  p.AttemptNumber,
		})
		return err
	case events.PaymentRefundRequested:
		_, err := h.paymentService.Refund(ctx, env, domain.RefundRequest{
			OrderID:        p.OrderID,
			TransactionID:  p.TransactionID,
			Amount:         p.Amount,
			Reason:         p.Reason,
			IdempotencyKey: p.IdempotencyKey,
		})
		return err
	default:
		h.log.Debug("event ignored", "event_type", env.Type(), "event_id", env.ID())
		return nil
	}
}
