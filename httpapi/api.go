// Package httpapi exposes the orchestrator over HTTP: definition
// registration, instance lifecycle, dead letter queue management, cron
// schedules, and health.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/engine"
	"github.com/cascadehq/cascade/health"
)

// Server wires the HTTP handlers to the engine and its services.
type Server struct {
	eng        *engine.Engine
	defs       definition.Store
	deadLetter *dlq.Service
	crons      cron.Store
	monitor    *health.Monitor
	logger     *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDeadLetter enables the DLQ management endpoints.
func WithDeadLetter(s *dlq.Service) ServerOption {
	return func(srv *Server) { srv.deadLetter = s }
}

// WithCrons enables the cron schedule endpoints.
func WithCrons(s cron.Store) ServerOption {
	return func(srv *Server) { srv.crons = s }
}

// WithMonitor backs the health endpoint with the given monitor.
func WithMonitor(m *health.Monitor) ServerOption {
	return func(srv *Server) { srv.monitor = m }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// NewServer creates a Server over the engine and definition store.
func NewServer(eng *engine.Engine, defs definition.Store, opts ...ServerOption) *Server {
	s := &Server{
		eng:    eng,
		defs:   defs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts all routes on the given Echo instance.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/v1")

	v1.POST("/definitions", s.registerDefinition)
	v1.GET("/definitions", s.listDefinitions)
	v1.GET("/definitions/:definitionId", s.getDefinition)

	v1.POST("/workflows/:definitionId/instances", s.startInstance)
	v1.GET("/instances/:instanceId", s.getInstance)
	v1.DELETE("/instances/:instanceId", s.cancelInstance)

	if s.deadLetter != nil {
		v1.GET("/dlq", s.listDLQ)
		v1.GET("/dlq/count", s.dlqCount)
		v1.GET("/dlq/:entryId", s.getDLQ)
		v1.POST("/dlq/:entryId/replay", s.replayDLQ)
		v1.POST("/dlq/purge", s.purgeDLQ)
	}

	if s.crons != nil {
		v1.POST("/crons", s.registerCron)
		v1.GET("/crons", s.listCrons)
		v1.GET("/crons/:cronId", s.getCron)
		v1.POST("/crons/:cronId/enable", s.enableCron)
		v1.POST("/crons/:cronId/disable", s.disableCron)
		v1.DELETE("/crons/:cronId", s.deleteCron)
	}

	e.GET("/health", s.getHealth)
}

// Handler returns a ready-to-serve http.Handler with all routes
// mounted on a fresh Echo instance.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	s.Register(e)
	return e
}

// httpError maps domain sentinel errors onto HTTP status codes.
// Unmapped errors fall through as 500s.
func httpError(err error) error {
	switch {
	case errors.Is(err, cascade.ErrDefinitionNotFound),
		errors.Is(err, cascade.ErrInstanceNotFound),
		errors.Is(err, cascade.ErrDLQNotFound),
		errors.Is(err, cascade.ErrCronNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())

	case errors.Is(err, cascade.ErrDefinitionExists),
		errors.Is(err, cascade.ErrDuplicateCron),
		errors.Is(err, cascade.ErrInstanceTerminal),
		errors.Is(err, cascade.ErrCyclicDependency):
		return echo.NewHTTPError(http.StatusConflict, err.Error())

	case errors.Is(err, cascade.ErrDuplicateStepID),
		errors.Is(err, cascade.ErrUnknownDependency):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())

	default:
		return err
	}
}

func (s *Server) getHealth(c echo.Context) error {
	if s.monitor == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	return c.JSON(http.StatusOK, s.monitor.Check(c.Request().Context()))
}
