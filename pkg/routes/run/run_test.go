package run

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/report"
)

func newEcho(t *testing.T, summary *report.Summary) *echo.Echo {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	container, err := ectoinject.NewDIContainer(ectocontainer.DIContainerConfig{
		ID:           "run-test-" + uuid.NewString(),
		LoggerConfig: &ectocontainer.DIContainerLoggerConfig{Enabled: false},
	})
	require.NoError(t, err)
	require.NoError(t, ectoinject.RegisterInstance[ectologger.Logger](container, logger))
	if summary != nil {
		require.NoError(t, ectoinject.RegisterInstance[*report.Summary](container, summary))
	}

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Container(container.GetContainerID()))
	Register(e.Group("/api/v1"))
	return e
}

func TestGetRun(t *testing.T) {
	summary := report.New("run-1", "infer", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	summary.AddFile(false)

	tests := []struct {
		name     string
		summary  *report.Summary
		wantCode int
	}{
		{name: "summary registered", summary: summary, wantCode: http.StatusOK},
		{name: "no summary", summary: nil, wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho(t, tt.summary)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/run", nil))

			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "run-1", body["run_id"])
			assert.Equal(t, "infer", body["command"])
		})
	}
}
