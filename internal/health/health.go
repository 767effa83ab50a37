// Package health serves the liveness probe and the Prometheus endpoint.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/store"
)

const Message = "Bot hosting service is running"

// Status is the body of GET /health.
type Status struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	TotalBots   int       `json:"total_bots"`
	RunningBots int       `json:"running_bots"`
	Message     string    `json:"message"`
}

// Server answers health probes from the persisted worker records.
type Server struct {
	store   store.Store
	metrics bool
	log     *slog.Logger
	now     func() time.Time
}

func New(st store.Store, withMetrics bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, metrics: withMetrics, log: logger, now: time.Now}
}

// Handler returns the echo instance serving /health and, when enabled, /metrics.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", s.handleHealth)
	if s.metrics {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	return e
}

// Check counts workers. The status reads "degraded" when the store is unreachable.
func (s *Server) Check(ctx context.Context) Status {
	st := Status{Status: "healthy", Timestamp: s.now(), Message: Message}
	recs, err := s.store.List(ctx)
	if err != nil {
		s.log.Warn("health check: list workers", "error", err)
		st.Status = "degraded"
		st.Message = err.Error()
		return st
	}
	st.TotalBots = len(recs)
	for _, r := range recs {
		if r.Status == store.StatusRunning {
			st.RunningBots++
		}
	}
	return st
}

func (s *Server) handleHealth(c echo.Context) error {
	st := s.Check(c.Request().Context())
	code := http.StatusOK
	if st.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, st)
}
