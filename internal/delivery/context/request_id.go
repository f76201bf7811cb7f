// Package context carries per-request values across the admin server's
// middleware chain. Keys are unexported; these helpers are the only way in
// or out.
package context

import (
	"github.com/labstack/echo/v4"
)

// keyRequestID names the echo context entry holding the request id.
const keyRequestID = "request_id"

// HeaderXRequestID is honored on ingress and echoed back on every
// response.
const HeaderXRequestID = "X-Request-Id"

// SetRequestID stores the request id on the echo context.
func SetRequestID(c echo.Context, requestID string) {
	c.Set(keyRequestID, requestID)
}

// GetRequestID returns the request id stored on the echo context, or ""
// when the request id middleware has not run.
func GetRequestID(c echo.Context) string {
	if id, ok := c.Get(keyRequestID).(string); ok {
		return id
	}

	return ""
}
