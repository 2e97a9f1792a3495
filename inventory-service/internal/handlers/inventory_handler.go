package handlers

import (
	"context"

	"github.com/distributed-ecommerce-saga/choreography/inventory-service/internal/service"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/events"
	sharedHTTP "github.com/distributed-ecommerce-saga/choreography/shared-domain/http"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/logger"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/messaging"
	"github.com/distributed-ecommerce-saga/choreography/shared-domain/types"
	"github.com/gofiber/fiber/v2"
)

type InventoryHandler struct {
	inventoryService *service.InventoryService
	log              *logger.Logger
}

func NewInventoryHandler(inventoryService *service.InventoryService, log *logger.Logger) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
		log:              log.With("component", "inventory_handler"),
	}
}

type SetStockRequest struct {
	Available *int `json:"available"`
}

func (h *InventoryHandler) RegisterRoutes(api fiber.Router) {
	api.Get("/health", h.HealthCheck)
	api.Get("/inventory/:product_id", h.GetStock)
	api.Put("/inventory/:product_id", h.SetStock)
	api.Get("/reservations/order/:order_id", h.GetReservation)
}

func (h *InventoryHandler) HealthCheck(c *fiber.Ctx) error {
	return sharedHTTP.SuccessResponse(c, "Inventory service is healthy", map[string]interface{}{
		"service": "inventory-service",
		"status":  "healthy",
	})
}

func (h *InventoryHandler) GetStock(c *fiber.Ctx) error {
	stock, err := h.inventoryService.GetStock(c.UserContext(), c.Params("product_id"))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Stock retrieved", stock)
}

func (h *InventoryHandler) SetStock(c *fiber.Ctx) error {
	var req SetStockRequest
	if err := c.BodyParser(&req); err != nil {
		return sharedHTTP.BadRequestResponse(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
	}
	if req.Available == nil {
		return sharedHTTP.BadRequestResponse(c, "available is required", nil)
	}
	stock, err := h.inventoryService.SetStock(c.UserContext(), c.Params("product_id"), *req.Available)
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Stock updated", stock)
}

func (h *InventoryHandler) GetReservation(c *fiber.Ctx) error {
	r, err := h.inventoryService.GetReservation(c.UserContext(), c.Params("order_id"))
	if err != nil {
		return sharedHTTP.ErrorResponse(c, err)
	}
	return sharedHTTP.SuccessResponse(c, "Reservation retrieved", r)
}

// Bindings are the routing keys the inventory queue subscribes to.
func Bindings() []string {
	return messaging.Bindings(
		events.TypeOrderCreated,
		events.TypeInventoryCommitRequested,
		events.TypeInventoryReleaseRequested,
	)
}

func (h *InventoryHandler) HandleEvent(ctx context.Context, env events.Envelope) error {
	switch p := env.Payload.(type) {
	case events.OrderCreated:
		return h.inventoryService.Reserve(ctx, env, p.OrderID, types.StockItems(p.Items))
	case events.InventoryCommitRequested:
		return h.inventoryService.Commit(ctx, env, p.OrderID)
	case events.InventoryReleaseRequested:
		return h.inventoryService.Release(ctx, env, p.OrderID, p.Reason)
	default:
		h.log.Debug("event ignored", "event_type", env.Type(), "event_id", env.ID())
		return nil
	}
}
