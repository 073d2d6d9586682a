// Package run exposes the in-progress run summary.
package run

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/report"
)

// Register registers the run routes
func Register(g *echo.Group) {
	g.GET("/run", getRun)
}

// getRun returns a snapshot of the run summary
func getRun(c echo.Context) error {
	ctx := c.Request().Context()

	ctx, summary, err := ectoinject.GetContext[*report.Summary](ctx)
	if err != nil || summary == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "no run in progress")
	}

	data, err := summary.Snapshot()
	if err != nil {
		ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
		if logger != nil {
			logger.WithContext(ctx).WithError(err).Error("Failed to encode run summary")
		}
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode run summary")
	}
	return c.JSONBlob(http.StatusOK, data)
}
