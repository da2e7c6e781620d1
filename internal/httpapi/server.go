// Package httpapi exposes the engine over HTTP: item intake, the messaging
// gateway decision callback and the operator endpoints.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/petrijr/inboxflow/internal/taskqueue"
	"github.com/petrijr/inboxflow/pkg/api"
	"github.com/petrijr/inboxflow/pkg/worker"
)

// serviceName is reported by the tracing middleware.
const serviceName = "inboxflow"

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine api.Engine
	// worker is optional. When set, submissions and decisions are queued
	// and answered with 202 Accepted.
	worker *worker.Worker
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithWorker makes intake asynchronous through w's queue.
func WithWorker(w *worker.Worker) Option {
	return func(s *Server) { s.worker = w }
}

// WithLogger sets the logger used for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server on eng.
func NewServer(eng api.Engine, opts ...Option) *Server {
	s := &Server{engine: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))

	e.GET("/healthz", s.Health)

	g := e.Group("/api/v1")
	g.POST("/items", s.SubmitItem)
	g.POST("/decisions/:ref", s.DeliverDecision)
	g.GET("/instances/:id", s.GetInstance)
	g.GET("/instances/:id/events", s.ListEvents)
	g.POST("/instances/:id/retry", s.RetryInstance)
	g.POST("/instances/:id/cancel", s.CancelInstance)
	g.GET("/errors", s.ListErrors)
	g.GET("/stalled", s.ListStalled)
	g.POST("/stalled/recover", s.RecoverStalled)
	return e
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInstanceNotFound), errors.Is(err, api.ErrCorrelationNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidItem), errors.Is(err, api.ErrInvalidEvent), errors.Is(err, taskqueue.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrInvalidTransition), errors.Is(err, api.ErrDeadLettered), errors.Is(err, api.ErrInstanceLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// engineError converts err into an echo.HTTPError.
func engineError(err error) error {
	return echo.NewHTTPError(statusFor(err), err.Error()).SetInternal(err)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorBody{Error: msg})
}
