// Package api exposes the fan-out service: REST snapshot endpoints, the
// command endpoints forwarding to the orchestrator (the sole external write
// path into the core), and the /ws/events broadcast.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/inbox"
	"github.com/logabell/conversator/pkg/metrics"
	"github.com/logabell/conversator/pkg/orchestrator"
	"github.com/logabell/conversator/pkg/transcript"
)

// Server is the HTTP fan-out server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg          *config.Config
	store        *eventlog.Store
	orch         *orchestrator.Orchestrator
	inboxService *inbox.Service
	registry     *builder.Registry
	pool         *builder.Pool
	feed         *transcript.Feed
	connManager  *ConnectionManager
}

// NewServer wires the fan-out surfaces.
func NewServer(
	cfg *config.Config,
	store *eventlog.Store,
	orch *orchestrator.Orchestrator,
	inboxService *inbox.Service,
	registry *builder.Registry,
	pool *builder.Pool,
	feed *transcript.Feed,
) *Server {
	e := echo.New()

	s := &Server{
		echo:         e,
		cfg:          cfg,
		store:        store,
		orch:         orch,
		inboxService: inboxService,
		registry:     registry,
		pool:         pool,
		feed:         feed,
		connManager: NewConnectionManager(store, inboxService, feed,
			cfg.Limits.WSSendTimeout.Std(), cfg.Limits.WSQueueDepth),
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(1 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", func(c *echo.Context) error {
		metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	// WebSocket broadcast for the dashboard.
	s.echo.GET("/ws/events", s.wsHandler)

	v1 := s.echo.Group("/api/v1")

	// Read surface (snapshots).
	v1.GET("/tasks", s.listTasksHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.GET("/inbox", s.listInboxHandler)
	v1.GET("/inbox/pending-delivery", s.pendingDeliveryHandler)
	v1.GET("/builders", s.listBuildersHandler)
	v1.GET("/transcript", s.listTranscriptHandler)

	// Write surface (forwarded to the orchestrator).
	v1.POST("/tasks", s.createTaskHandler)
	v1.POST("/tasks/:id/prompt", s.updatePromptHandler)
	v1.POST("/tasks/:id/questions", s.raiseQuestionsHandler)
	v1.POST("/tasks/:id/answers", s.answerQuestionsHandler)
	v1.POST("/tasks/:id/freeze", s.freezeHandler)
	v1.POST("/tasks/:id/dispatch", s.dispatchHandler)
	v1.POST("/tasks/:id/gate", s.resolveGateHandler)
	v1.POST("/tasks/:id/cancel", s.cancelHandler)
	v1.POST("/tasks/:id/link", s.linkExternalHandler)
	v1.POST("/quick-dispatch", s.quickDispatchHandler)
	v1.POST("/inbox/ack", s.ackInboxHandler)
	v1.POST("/transcript", s.appendTranscriptHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener. Used by tests to bind
// a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo, ReadHeaderTimeout: 10 * time.Second}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	unread, err := s.inboxService.UnreadCount(reqCtx)
	status := "healthy"
	if err != nil {
		status = "degraded"
	}
	if s.store.ReadOnly() {
		status = "degraded"
	}
	metrics.InboxUnread.Set(float64(unread))

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:   status,
		Version:  versionString(),
		LastSeq:  s.store.LastSeq(),
		ReadOnly: s.store.ReadOnly(),
		Pool:     s.pool.Health(),
		Unread:   unread,
		WSConns:  s.connManager.ActiveConnections(),
	})
}
