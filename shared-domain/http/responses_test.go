package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/distributed-ecommerce-saga/choreography/shared-domain/apperr"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Business(apperr.CodeNotFound, "missing"), fiber.StatusNotFound},
		{apperr.Business(apperr.CodeInsufficientStock, "short"), fiber.StatusConflict},
		{apperr.Business(apperr.CodeInvalidQuantity, "zero"), fiber.StatusUnprocessableEntity},
		{apperr.Technical(apperr.CodeConcurrentModification, nil), fiber.StatusServiceUnavailable},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestErrorResponseHidesTechnicalDetail(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return ErrorResponse(c, apperr.Technical(apperr.CodeStorage, errors.New("password=hunter2")))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	var out APIResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, apperr.CodeStorage, out.Error.Code)
	assert.NotContains(t, string(body), "hunter2")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestResponseCarriesMiddlewareRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(requestid.New())
	app.Get("/", func(c *fiber.Ctx) error {
		return SuccessResponse(c, "ok", nil)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	var out APIResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.RequestID)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), out.RequestID)
}

func TestResponseEchoesCallerRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(requestid.New())
	app.Get("/", func(c *fiber.Ctx) error {
		return ErrorResponse(c, apperr.Business(apperr.CodeNotFound, "missing"))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	var out APIResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "req-42", out.RequestID)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}
