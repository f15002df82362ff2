// Package server exposes the admin HTTP API and the gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/executor"
	"github.com/jbndrf/Tabtin-sub001/internal/export"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/observability"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
)

// Pool is the orchestrator surface the API needs.
type Pool interface {
	EnsureWorkerFor(ctx context.Context, tenantID string) error
	Workers() []executor.Stats
}

// Pinger reports whether the record store answers.
type Pinger func(ctx context.Context) error

type Deps struct {
	Queue   *jobqueue.Queue
	Store   *repository.Store
	Pool    Pool
	Export  *export.Service
	Metrics *observability.Metrics
	// Events serves the live event websocket. Nil disables /ws.
	Events http.Handler
	Ping   Pinger
	Logger *slog.Logger
}

type Server struct {
	deps   Deps
	echo   *echo.Echo
	logger *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{deps: deps, echo: e, logger: deps.Logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			r := c.Request()
			c.SetRequest(r.WithContext(common.WithRequestID(r.Context(), id)))
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogRequestID: true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"request_id", v.RequestID, "method", v.Method, "uri", v.URI, "status", v.Status, "elapsed_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				s.logger.Warn("http.request", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("http.request", attrs...)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
	if s.deps.Events != nil {
		e.GET("/ws", echo.WrapHandler(s.deps.Events))
	}

	api := e.Group("/api")
	api.POST("/tenants/:tenant/batches/:batch/process", s.processBatch)
	api.POST("/tenants/:tenant/reprocess", s.reprocessBatches)
	api.POST("/tenants/:tenant/batches/:batch/rows/:row/redo", s.redoRow)
	api.DELETE("/tenants/:tenant/jobs", s.cancelJobs)
	api.GET("/tenants/:tenant/stats", s.stats)
	api.GET("/workers", s.workers)
	api.GET("/batches/:batch/export.xlsx", s.exportBatch)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http.listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			s.logger.Warn("http.health.db_down", "error", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
