package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// Logger logs one line per request. Health and scrape traffic logs at debug,
// client errors at warn and server errors at error.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			res := c.Response()
			fields := context.Fields(ctx)
			fields["method"] = context.GetMethod(ctx)
			fields["status"] = res.Status
			fields["remote_ip"] = context.GetRemoteIP(ctx)
			fields["latency_ms"] = time.Since(start).Milliseconds()
			fields["bytes_out"] = res.Size

			log := logger.WithContext(ctx).WithFields(fields)
			switch {
			case res.Status >= http.StatusInternalServerError:
				log.Error("Request failed")
			case res.Status >= http.StatusBadRequest:
				log.Warn("Request rejected")
			case isBackground(c.Path()):
				log.Debug("Request")
			default:
				log.Info("Request")
			}
			return nil
		}
	}
}

func isBackground(route string) bool {
	return route == "/metrics" || strings.HasPrefix(route, "/api/v1/health")
}
