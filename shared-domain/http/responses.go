package http

import (
	"time"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func SuccessResponse(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func CreatedResponse(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func BadRequestResponse(c *fiber.Ctx, message string, details map[string]interface{}) error {
	return c.Status(fiber.StatusBadRequest).JSON(APIResponse{
		Success: false,
		Message: message,
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
			Details: details,
		},
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// PaymentRequiredResponse reports a charge that was processed but declined.
// The recorded payment is returned alongside the failure.
func PaymentRequiredResponse(c *fiber.Ctx, code, reason string, data interface{}) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(APIResponse{
		Success: false,
		Message: "Payment failed",
		Data:    data,
		Error: &APIError{
			Code:    code,
			Message: reason,
		},
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// ErrorResponse maps an apperr-tagged error to a status code. Business errors
// are the caller's problem, technical ones are ours.
func ErrorResponse(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	status := StatusFor(err)
	message := err.Error()
	if status >= fiber.StatusInternalServerError {
		message = "request could not be processed, retry later"
	}
	if code == "" {
		code = "INTERNAL_SERVER_ERROR"
	}
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: apperr.ContextOf(err),
		},
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

func StatusFor(err error) int {
	if apperr.IsBusiness(err) {
		switch apperr.CodeOf(err) {
		case apperr.CodeNotFound:
			return fiber.StatusNotFound
		case apperr.CodeInvalidTransition, apperr.CodeInsufficientStock, apperr.CodeNotRefundable:
			return fiber.StatusConflict
		default:
			return fiber.StatusUnprocessableEntity
		}
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeConcurrentModification, apperr.CodeGatewayError, apperr.CodeRefundFailed:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// getRequestID prefers the id the requestid middleware stored on the context,
// so the body and the X-Request-ID response header always agree.
func getRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok && id != "" {
		return id
	}
	requestID := c.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	c.Set("X-Request-ID", requestID)
	return requestID
}
