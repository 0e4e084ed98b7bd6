// Package gateway exposes the WebSocket endpoint and drives the
// per-connection protocol state machine over the session manager.
package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/agentmux/agentmux/pkg/database"
	"github.com/agentmux/agentmux/pkg/session"
	"github.com/agentmux/agentmux/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// Options tune the server.
type Options struct {
	SubscriberBuffer  int           // per-connection send queue depth
	WriteTimeout      time.Duration // per-frame socket write deadline
	HeartbeatInterval time.Duration // advertised to clients in hello_ok
}

func (o Options) withDefaults() Options {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	return o
}

// EventQueue is the slice of the persistence writer the health endpoint
// reports on.
type EventQueue interface {
	QueueLen() int
	Healthy() bool
}

// Server hosts the WebSocket endpoint and the health API.
type Server struct {
	opts    Options
	manager *session.Manager
	auth    Authenticator
	db      *database.Client
	writer  EventQueue

	connections atomic.Int64
	httpServer  *http.Server
}

// NewServer creates the gateway server. db and writer may be nil; their
// health checks are then skipped.
func NewServer(opts Options, manager *session.Manager, auth Authenticator, db *database.Client, writer EventQueue) *Server {
	return &Server{
		opts:    opts.withDefaults(),
		manager: manager,
		auth:    auth,
		db:      db,
		writer:  writer,
	}
}

// Routes builds the echo instance with all routes registered. Exposed
// so tests can mount the server on httptest.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/ws", s.wsHandler)
	e.GET("/api/v1/health", s.healthHandler)
	return e
}

// Start listens on addr and serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Connections returns the number of live WebSocket connections.
func (s *Server) Connections() int64 {
	return s.connections.Load()
}

// wsHandler upgrades HTTP connections to WebSocket and runs the
// protocol state machine until the socket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist read from
		// config once clients connect from fixed origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.HandleConnection(c.Request().Context(), ws)
	return nil
}

// HealthCheck is one component's entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /api/v1/health body.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Connections int64                  `json:"connections"`
	Sessions    session.ManagerHealth  `json:"sessions"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /api/v1/health. Only the gateway's own
// components are checked; agent processes are excluded so an agent
// outage never makes the orchestrator restart the gateway.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := database.Health(reqCtx, s.db.DB()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.writer != nil {
		if s.writer.Healthy() {
			checks["event_writer"] = HealthCheck{Status: healthStatusHealthy}
		} else {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["event_writer"] = HealthCheck{
				Status:  healthStatusDegraded,
				Message: "persistence queue saturated",
			}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:      status,
		Version:     version.GitCommit,
		Connections: s.connections.Load(),
		Sessions:    s.manager.Health(),
		Checks:      checks,
	})
}
