// Package server runs the optional status server beside a batch run.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/report"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/run"
)

const shutdownTimeout = 5 * time.Second

// Server exposes health, readiness, the run summary and Prometheus metrics.
type Server struct {
	echo     *echo.Echo
	checker  *health.Checker
	listener net.Listener
	logger   ectologger.Logger
	done     chan error
}

// New builds the status server for one run. The summary and logger are
// registered in a dependency container of their own that every request
// resolves from.
func New(serviceName, version string, summary *report.Summary, logger ectologger.Logger) (*Server, error) {
	checker := health.NewChecker(version)
	containerID, err := newContainer(summary, logger)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.Context(summary.RunID))
	e.Use(middleware.Container(containerID))
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	run.Register(e.Group("/api/v1"))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	return &Server{
		echo:    e,
		checker: checker,
		logger:  logger,
	}, nil
}

func newContainer(summary *report.Summary, logger ectologger.Logger) (string, error) {
	container, err := ectoinject.NewDIContainer(ectocontainer.DIContainerConfig{
		ID:                       "status-" + uuid.NewString(),
		AllowCaptiveDependencies: true,
		LoggerConfig: &ectocontainer.DIContainerLoggerConfig{
			Enabled: true,
			LogFunc: func(ctx context.Context, level, msg string) {
				logger.WithContext(ctx).WithField("level", level).Debug(msg)
			},
		},
	})
	if err != nil {
		return "", err
	}

	if err := ectoinject.RegisterInstance[*report.Summary](container, summary); err != nil {
		return "", err
	}
	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return "", err
	}
	return container.GetContainerID(), nil
}

// Handler is the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Checker is the health checker dependencies register checks with.
func (s *Server) Checker() *health.Checker {
	return s.checker
}

// Addr is the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds addr and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.echo.Listener = listener
	s.done = make(chan error, 1)

	go func() {
		err := s.echo.Start("")
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()

	s.logger.WithContext(ctx).WithField("addr", s.Addr()).Info("status server listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
