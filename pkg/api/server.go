// Package api exposes the admin HTTP API: job management, execution
// history, event inspection, known-source maintenance, health, and
// Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/config"
	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/pkg/metrics"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/scheduler"
	"github.com/haven-archive/haven/pkg/services"
	"github.com/haven-archive/haven/pkg/sources"
)

// Deps are the server's collaborators. Logger and Metrics may be nil.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Jobs       *services.JobService
	Executions *services.ExecutionService
	Sources    *sources.Store
	Plugins    *plugin.Manager
	Events     *bus.Bus
	DB         *database.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server is the admin API server.
type Server struct {
	cfg        config.APIConfig
	scheduler  *scheduler.Scheduler
	jobs       *services.JobService
	executions *services.ExecutionService
	sources    *sources.Store
	plugins    *plugin.Manager
	events     *bus.Bus
	db         *database.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// New creates the server with its routes registered. Call Start to listen.
func New(cfg config.APIConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		scheduler:  deps.Scheduler,
		jobs:       deps.Jobs,
		executions: deps.Executions,
		sources:    deps.Sources,
		plugins:    deps.Plugins,
		events:     deps.Events,
		db:         deps.DB,
		metrics:    deps.Metrics,
		logger:     logger.With("component", "api"),
	}
	s.engine = s.buildRouter()
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), securityHeaders())

	r.GET("/health", s.health)
	if reg := s.metrics.Registry(); reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	if s.cfg.AuthToken != "" {
		v1.Use(bearerAuth(s.cfg.AuthToken))
	}
	v1.GET("/status", s.status)
	v1.GET("/jobs", s.listJobs)
	v1.POST("/jobs", s.createJob)
	v1.GET("/jobs/:id", s.getJob)
	v1.DELETE("/jobs/:id", s.deleteJob)
	v1.POST("/jobs/:id/pause", s.pauseJob)
	v1.POST("/jobs/:id/resume", s.resumeJob)
	v1.POST("/jobs/:id/run", s.runJob)
	v1.GET("/jobs/:id/history", s.jobHistory)
	v1.GET("/history", s.recentHistory)
	v1.GET("/events", s.listEvents)
	v1.GET("/sources/:plugin/stats", s.sourceStats)
	v1.DELETE("/sources/:plugin", s.clearSources)

	return r
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown, like net/http.
func (s *Server) Start() error {
	s.logger.Info("Admin API listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
