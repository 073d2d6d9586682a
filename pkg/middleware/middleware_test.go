package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/context"
)

func newEcho(t *testing.T) *echo.Echo {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	e.Use(Context("run-1"))
	e.Use(Logger(logger))
	return e
}

func TestContext(t *testing.T) {
	e := newEcho(t)
	var seen map[string]any
	e.GET("/api/v1/run", func(c echo.Context) error {
		seen = context.Fields(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/run", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, "run-1", rec.Header().Get(HeaderRunID))
	assert.Equal(t, map[string]any{"run_id": "run-1", "request_id": "req-1", "route": "/api/v1/run"}, seen)
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "http error",
			err:      httperror.NewHTTPError(http.StatusNotFound, "no run in progress"),
			wantCode: http.StatusNotFound,
			wantMsg:  "no run in progress",
		},
		{
			name:     "echo error",
			err:      echo.NewHTTPError(http.StatusBadRequest, "bad request"),
			wantCode: http.StatusBadRequest,
			wantMsg:  "bad request",
		},
		{
			name:     "plain error",
			err:      assert.AnError,
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho(t)
			e.GET("/fail", func(echo.Context) error { return tt.err })

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Message, tt.wantMsg)
			assert.Equal(t, "run-1", body.RunID)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestContainer(t *testing.T) {
	container, err := ectoinject.NewDIContainer(ectocontainer.DIContainerConfig{
		ID:           "middleware-test-" + uuid.NewString(),
		LoggerConfig: &ectocontainer.DIContainerLoggerConfig{Enabled: false},
	})
	require.NoError(t, err)
	require.NoError(t, ectoinject.RegisterInstance[string](container, "fern", "service"))

	tests := []struct {
		name     string
		id       string
		wantCode int
	}{
		{name: "registered container", id: container.GetContainerID(), wantCode: http.StatusOK},
		{name: "unknown container", id: "missing-" + uuid.NewString(), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho(t)
			e.Use(Container(tt.id))
			e.GET("/service", func(c echo.Context) error {
				_, name, err := ectoinject.GetNamedDependency[string](c.Request().Context(), "service")
				if err != nil {
					return err
				}
				return c.String(http.StatusOK, name)
			})

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/service", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "fern", rec.Body.String())
			}
		})
	}
}
