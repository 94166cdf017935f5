package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haven-archive/haven/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// health handles GET /health.
// Unauthenticated. Only haven's own components (database, scheduler) are
// checked; remote stores and plugins are excluded so an orchestrator does
// not restart haven when an external service misbehaves.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.Full(),
	}

	dbHealth, err := s.db.Health(ctx)
	resp.Database = dbHealth
	if err != nil {
		resp.Status = healthStatusUnhealthy
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	if s.scheduler != nil {
		st := s.scheduler.Status()
		resp.Scheduler = &st
		if !st.Running {
			resp.Status = healthStatusDegraded
		}
	}

	c.JSON(http.StatusOK, resp)
}
