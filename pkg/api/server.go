package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/database"
	"github.com/mnemos-ai/mnemos/pkg/twin"
)

// TwinSource resolves the engine serving a tenant. Implemented by the
// twin Registry.
type TwinSource interface {
	TwinFor(tenantID string) twin.Twin
}

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultTurnDeadline = 120 * time.Second
)

// Server is the WebSocket and health HTTP surface.
type Server struct {
	cfg      *config.Config
	db       *database.Client
	twins    TwinSource
	resolver ScopeResolver
	logger   *slog.Logger

	echo *echo.Echo
	http *http.Server

	sendBuffer   int
	writeTimeout time.Duration
	turnDeadline time.Duration
	queueTurns   bool
}

// NewServer wires routes and connection settings. db may be nil in tests;
// the health check then skips the database probe.
func NewServer(cfg *config.Config, db *database.Client, twins TwinSource, resolver ScopeResolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		db:           db,
		twins:        twins,
		resolver:     resolver,
		logger:       logger,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		turnDeadline: defaultTurnDeadline,
	}
	if cfg.Server != nil {
		if cfg.Server.SendBufferSize > 0 {
			s.sendBuffer = cfg.Server.SendBufferSize
		}
		if wt := cfg.Server.WriteTimeout.Std(); wt > 0 {
			s.writeTimeout = wt
		}
		s.queueTurns = cfg.Server.QueueTurns
	}
	if cfg.Limits != nil {
		if td := cfg.Limits.TurnDeadline.Std(); td > 0 {
			s.turnDeadline = td
		}
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/healthz", s.healthHandler)
	e.GET("/ws/:session_id", s.wsHandler)
	s.echo = e

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", serverPort(cfg)),
		Handler: e,
	}
	return s
}

func serverPort(cfg *config.Config) int {
	if cfg.Server != nil && cfg.Server.Port > 0 {
		return cfg.Server.Port
	}
	return 8080
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server. Open WebSocket sessions see their
// request contexts cancelled, which unwinds read loops and turns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// wsHandler upgrades the connection and blocks until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	opts := &websocket.AcceptOptions{}
	if s.cfg.Server != nil && len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	s.handleSession(c.Request().Context(), conn, sessionID)
	return nil
}

// HealthCheck is one component's health probe result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. Only in-process dependencies are
// probed; external services failing must not make the orchestrator
// restart this process.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := database.Health(reqCtx, s.db.Pool()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
