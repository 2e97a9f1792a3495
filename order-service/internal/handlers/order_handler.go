package handlers

import (
	"context"

	"github.com/distributed-ecommerce-saga/choreography/order-service/internal/service"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	sharedHTTP "github.com/distributed-ecommerce-saga/choreography/shared-domain/http"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/gofiber/fiber/v2"
)

type OrderHandler struct {
	orderService *service.OrderService
	log          *logger.Logger
}

func NewOrderHandler(orderService *service.OrderService, log *logger.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		log:          log.With("component", "order_handler"),
	}
}

func (h *OrderHandler) RegisterRoutes(api fiber.Router) {
	api.Get("/health", h.HealthCheck)
	api.Post("/orders", h.CreateOrder)
	api.Get("/orders/:id", h.GetOrderByID)
	api.Get("/orders/:id/events", h.GetOrderEvents)
	api.Get("/customers/:customer_id/orders", h.GetOrdersByCustomerID)
}

func (h *OrderHandler) HealthCheck(c *fiber.Ctx) error {
	return sharedHTTP.SuccessResponse(c, "Order service is healthy", map[string]interface{}{
		"service": "order-service",
		"status":  "healthy",
	})
}

func (h *OrderHandler) CreateOrder(c *fiber.Ctx) error {
	var request CreateOrderRequest
	if err := c.BodyParser(&request); err != nil {
		return sharedHTTP.BadRequestResponse(c, "Invalid request body", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}

	order, created, err := h.orderService.CreateOrder(c.UserContext(), request.toDomain(c.Get("Idempotency-Key")))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	if !created {
		return sharedHTTP.SuccessResponse(c, "Order already exists", newOrderResponse(order))
	}
	return sharedHTTP.CreatedResponse(c, "Order created successfully", newOrderResponse(order))
}

func (h *OrderHandler) GetOrderByID(c *fiber.Ctx) error {
	order, err := h.orderService.GetOrder(c.UserContext(), c.Params("id"))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Order retrieved successfully", newOrderResponse(order))
}

func (h *OrderHandler) GetOrderEvents(c *fiber.Ctx) error {
	trail, err := h.orderService.ListEvents(c.UserContext(), c.Params("id"))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Order events retrieved successfully", trail)
}

func (h *OrderHandler) GetOrdersByCustomerID(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	orders, err := h.orderService.ListByCustomer(c.UserContext(), c.Params("customer_id"), limit)
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}

	responses := make([]OrderResponse, len(orders))
	for i, order := range orders {
		responses[i] = newOrderResponse(order)
	}
	return sharedHTTP.SuccessResponse(c, "Orders retrieved successfully", map[string]interface{}{
		"orders": responses,
		"count":  len(responses),
	})
}

// Bindings are the routing keys the order queue subscribes to.
func Bindings() []string {
	return messaging.Bindings(
		events.TypeInventoryReserved,
		events.TypeInventoryReservationFailed,
		events.TypeInventoryCommitted,
		events.TypeInventoryReleased,
		events.TypePaymentSucceeded,
		events.TypePaymentFailed,
		events.TypePaymentRefunded,
	)
}

func (h *OrderHandler) HandleEvent(ctx context.Context, env events.Envelope) error {
	return h.orderService.HandleEvent(ctx, env)
}
