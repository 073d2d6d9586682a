package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	RunID     string         `json:"run_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Error renders handler errors as ErrorResponse bodies.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			logger.WithContext(ctx).WithError(err).Warn("error after response was committed")
			return
		}

		code, body := toResponse(err)
		body.RequestID = context.GetRequestID(ctx)
		body.RunID = context.GetRunID(ctx)
		body.TraceID = tracing.TraceID(ctx)
		if code >= http.StatusInternalServerError {
			logger.WithContext(ctx).WithError(err).Error("status server error")
		}
		if jerr := c.JSON(code, body); jerr != nil {
			logger.WithContext(ctx).WithError(jerr).Error("failed to write error response")
		}
	}
}

func toResponse(err error) (int, ErrorResponse) {
	if httperror.IsHTTPError(err) {
		he := httperror.ToHTTPError(err)
		return httperror.GetStatusCode(err), ErrorResponse{Message: he.Error(), Meta: he.Meta}
	}

	var ee *echo.HTTPError
	if errors.As(err, &ee) {
		msg, ok := ee.Message.(string)
		if !ok {
			msg = http.StatusText(ee.Code)
		}
		return ee.Code, ErrorResponse{Message: msg}
	}
	return http.StatusInternalServerError, ErrorResponse{Message: http.StatusText(http.StatusInternalServerError)}
}
