package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ao/litestack/internal/observability"
)

// WebServer serves the LiteStack JSON API
type WebServer struct {
	addr          string
	router        *gin.Engine
	serverManager ServerManager
	authenticator Authenticator
	health        HealthChecker
	metrics       *observability.Metrics
	logger        *logrus.Logger
	server        *http.Server
	listener      net.Listener
	mu            sync.RWMutex
}

// NewWebServer creates a new web server instance
func NewWebServer(
	serverManager ServerManager,
	authenticator Authenticator,
	health HealthChecker,
	metrics *observability.Metrics,
	logger *logrus.Logger,
	addr string,
) *WebServer {
	router := gin.New()

	ws := &WebServer{
		addr:          addr,
		router:        router,
		serverManager: serverManager,
		authenticator: authenticator,
		health:        health,
		metrics:       metrics,
		logger:        logger,
	}

	// Set up middleware
	ws.setupMiddleware()

	// Set up routes
	ws.setupRoutes()

	return ws
}

// Handler returns the HTTP handler
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// setupMiddleware sets up the middleware
func (ws *WebServer) setupMiddleware() {
	ws.router.Use(RecoveryHandler(ws.logger))

	ws.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		c.Header("X-Response-Time", time.Since(start).String())
	})

	ws.router.Use(LoggingMiddleware(ws.logger))

	if ws.metrics != nil {
		ws.router.Use(MetricsMiddleware(ws.metrics))
	}

	ws.router.Use(ErrorHandler(ws.logger))
}

// setupRoutes sets up the HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.GET("/healthz", ws.healthHandler)
	if ws.metrics != nil {
		ws.router.GET("/metrics", gin.WrapH(ws.metrics.Handler()))
	}

	api := ws.router.Group("/api/v1", AuthMiddleware(ws.authenticator))
	{
		api.GET("/me", ws.meHandler)
		api.POST("/users", ws.createUserHandler)

		api.GET("/servers", ws.listServersHandler)
		api.POST("/servers", ws.createServerHandler)
		api.GET("/servers/:id", ws.getServerHandler)
		api.PATCH("/servers/:id", ws.updateServerHandler)
		api.DELETE("/servers/:id", ws.deleteServerHandler)
		api.POST("/servers/:id/state", ws.setServerStateHandler)
		api.POST("/servers/:id/commands", ws.runCommandHandler)
		api.GET("/servers/:id/console", ws.consoleHandler)

		api.GET("/configurations", ws.listConfigurationsHandler)
		api.GET("/configurations/:name", ws.getConfigurationHandler)
		api.GET("/catalog", ws.catalogHandler)

		api.GET("/images", ws.listImagesHandler)
		api.GET("/flavors", ws.listFlavorsHandler)
		api.GET("/networks", ws.listNetworksHandler)
		api.GET("/limits", ws.limitsHandler)
	}
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	listener, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.addr, err)
	}
	ws.listener = listener
	ws.logger.Infof("Starting web server on %s", listener.Addr())

	ws.server = &http.Server{
		Handler:           ws.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the server in a goroutine
	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Errorf("Web server failed: %v", err)
		}
	}(ws.server)

	return nil
}

// Addr returns the listening address once started
func (ws *WebServer) Addr() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if ws.listener == nil {
		return ws.addr
	}
	return ws.listener.Addr().String()
}

// Stop stops the web server
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.server == nil {
		return nil
	}

	ws.logger.Info("Stopping web server")

	if err := ws.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown web server: %w", err)
	}

	ws.server = nil
	ws.listener = nil
	return nil
}
