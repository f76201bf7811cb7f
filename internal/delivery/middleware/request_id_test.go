package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	deliverycontext "corral/internal/delivery/context"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddlewareHonorsCallerID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(deliverycontext.HeaderXRequestID, "caller-id-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := NewRequestIDMiddleware().Process(func(c echo.Context) error {
		assert.Equal(t, "caller-id-1", deliverycontext.GetRequestID(c))

		return c.NoContent(http.StatusOK)
	})

	require.NoError(t, handler(c))
	assert.Equal(t, "caller-id-1", rec.Header().Get(deliverycontext.HeaderXRequestID))
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := NewRequestIDMiddleware().Process(func(c echo.Context) error {
		assert.NotEmpty(t, deliverycontext.GetRequestID(c))

		return c.NoContent(http.StatusOK)
	})

	require.NoError(t, handler(c))
	assert.NotEmpty(t, rec.Header().Get(deliverycontext.HeaderXRequestID))
}
