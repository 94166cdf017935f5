package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/version"
)

// status handles GET /api/v1/status.
func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{Version: version.Full()}
	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.Status()
	}
	if s.plugins != nil {
		resp.Plugins = s.plugins.List()
	}
	c.JSON(http.StatusOK, resp)
}

// recentHistory handles GET /api/v1/history.
func (s *Server) recentHistory(c *gin.Context) {
	limit, ok := intQuery(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	recs, err := s.executions.Recent(c.Request.Context(), limit)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if recs == nil {
		recs = []*models.JobExecutionRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

// listEvents handles GET /api/v1/events against the bus history ring.
func (s *Server) listEvents(c *gin.Context) {
	limit, ok := intQuery(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	filter := bus.HistoryFilter{
		Type:   c.Query("type"),
		Source: c.Query("source"),
		Limit:  limit,
	}
	if raw := c.Query("correlation_id"); raw != "" {
		cid, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid correlation_id"})
			return
		}
		filter.CorrelationID = cid
	}
	c.JSON(http.StatusOK, s.events.QueryHistory(filter))
}
