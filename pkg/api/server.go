// Package api is the HTTP surface of the alignment engine: turn
// processing (buffered and streamed), the session API, catalogue CRUD,
// publish jobs, and the migration plan lifecycle. Handlers stay thin;
// all behaviour lives in pkg/services.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/config"
	"github.com/codeready-toolchain/tiller/pkg/database"
	"github.com/codeready-toolchain/tiller/pkg/services"
	"github.com/codeready-toolchain/tiller/pkg/version"
)

// Deps collects everything the server needs.
type Deps struct {
	Config    config.ServerConfig
	Turns     *services.TurnService
	Sessions  *services.SessionService
	Catalog   *services.CatalogService
	Publish   *services.PublishService
	Migration *services.MigrationService
	DB        *database.Client
	Logger    *slog.Logger
}

// Server hosts the HTTP API.
type Server struct {
	cfg       config.ServerConfig
	router    *gin.Engine
	turns     *services.TurnService
	sessions  *services.SessionService
	catalog   *services.CatalogService
	publish   *services.PublishService
	migration *services.MigrationService
	db        *database.Client
	logger    *slog.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       deps.Config,
		turns:     deps.Turns,
		sessions:  deps.Sessions,
		catalog:   deps.Catalog,
		publish:   deps.Publish,
		migration: deps.Migration,
		db:        deps.DB,
		logger:    logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))
	s.registerRoutes(router)
	s.router = router
	return s
}

// Router exposes the handler tree, mostly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.healthHandler)

	v1 := router.Group("/api/v1", tenantMiddleware())

	v1.POST("/turns", s.processTurnHandler)
	v1.POST("/turns/stream", s.processTurnStreamHandler)

	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.DELETE("/sessions/:id", s.deleteSessionHandler)
	v1.GET("/sessions/:id/turns", s.listTurnsHandler)
	v1.GET("/turns/:id", s.getTurnHandler)

	s.registerCatalogRoutes(v1)

	v1.POST("/agents/:id/publish", s.publishHandler)
	v1.GET("/publish-jobs/:id", s.publishJobHandler)

	v1.POST("/migration-plans", s.generatePlanHandler)
	v1.GET("/migration-plans", s.listPlansHandler)
	v1.GET("/migration-plans/:id", s.getPlanHandler)
	v1.GET("/migration-plans/:id/status", s.planStatusHandler)
	v1.POST("/migration-plans/:id/approve", s.approvePlanHandler)
	v1.POST("/migration-plans/:id/reject", s.rejectPlanHandler)
	v1.POST("/migration-plans/:id/deploy", s.deployPlanHandler)
}

// Run serves until ctx is cancelled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server draining", "timeout", s.cfg.ShutdownTimeout)
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(c *gin.Context) {
	body := gin.H{"status": "ok", "version": version.Full()}
	if s.db != nil {
		health, err := s.db.Health(c.Request.Context())
		body["database"] = health
		if err != nil {
			body["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}
