// Package middleware holds the echo middleware of the status server.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// HeaderRunID carries the batch run id on every status server response.
const HeaderRunID = "X-Fern-Run-Id"

// Context stamps the run id, request id, method, route and caller on the
// request context and echoes the ids back as response headers.
func Context(runID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			header := c.Response().Header()
			header.Set(echo.HeaderXRequestID, requestID)
			header.Set(HeaderRunID, runID)

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := context.SetRunID(req.Context(), runID)
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, route)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
