package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/internal/config"
	"github.com/jakechorley/shift-notifier/pkg/core/messages"
	"github.com/jakechorley/shift-notifier/pkg/core/model"
	"github.com/jakechorley/shift-notifier/pkg/core/services"
	"github.com/jakechorley/shift-notifier/pkg/db"
	"github.com/jakechorley/shift-notifier/pkg/server/middleware"
)

const shutdownTimeout = 30 * time.Second

// DispatchRunner runs one dispatcher invocation
type DispatchRunner interface {
	Run(ctx context.Context, opts services.DispatchOptions) (*services.DispatchResult, error)
}

// RuleExpansionRunner expands the active shift rules
type RuleExpansionRunner interface {
	ExpandActiveRules(ctx context.Context, ruleStore db.ShiftRuleStore, opts services.ExpandOptions) (*services.ExpandResult, error)
}

// ShiftEventHandler reacts to shift mutations without failing the caller
type ShiftEventHandler interface {
	HandleEvent(ctx context.Context, kind model.ShiftEventKind, shift model.ScheduledShift)
}

// PushStreamer relays a user's push messages until ctx is done
type PushStreamer interface {
	Stream(ctx context.Context, userID string) (<-chan string, error)
}

// Deps are the collaborators behind the HTTP surface. Push and Gatherer may
// be nil, which disables the websocket gateway and /metrics respectively.
type Deps struct {
	Dispatcher DispatchRunner
	Expander   RuleExpansionRunner
	RuleStore  db.ShiftRuleStore
	Notifier   ShiftEventHandler
	Enqueuer   db.NotificationEnqueuer
	Renderer   *messages.Renderer
	Push       PushStreamer
	Gatherer   prometheus.Gatherer
}

// Server is the notifier's HTTP surface
type Server struct {
	cfg    *config.Config
	deps   Deps
	router *gin.Engine
	logger *zap.Logger
	now    func() time.Time
}

// New builds the server and registers its routes
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "http"))

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
		logger: logger,
		now:    time.Now,
	}
	s.setupRoutes()

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		dispatch := api.Group("/notifications", middleware.SharedSecret(s.cfg.Server.DispatchSecret))
		dispatch.POST("/dispatch", s.handleDispatch())
		dispatch.GET("/dispatch", s.handleDispatch())

		admin := api.Group("/admin", middleware.JWTAuth(s.cfg.Server.JWTSecret, s.logger), middleware.RequireAdmin())
		admin.POST("/shift-rules/expand", s.handleExpandRules())
		admin.POST("/notices", s.handleNotice())

		internal := api.Group("/internal", middleware.JWTAuth(s.cfg.Server.JWTSecret, s.logger), middleware.RequireAdmin())
		internal.POST("/shift-events", s.handleShiftEvent())
	}

	if s.deps.Push != nil {
		s.router.GET("/ws/push", s.handlePushSocket())
	}

	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "shift-notifier"})
	})
}

// Run serves on the configured port until ctx is canceled, then shuts down
// gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
