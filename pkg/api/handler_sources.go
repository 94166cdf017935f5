package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// sourceStats handles GET /api/v1/sources/:plugin/stats.
func (s *Server) sourceStats(c *gin.Context) {
	stats, err := s.sources.GetStats(c.Param("plugin"))
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// clearSources handles DELETE /api/v1/sources/:plugin. The next run of any
// job on this plugin re-archives everything it discovers.
func (s *Server) clearSources(c *gin.Context) {
	name := c.Param("plugin")
	if err := s.sources.Clear(name); err != nil {
		abortWithServiceError(c, err)
		return
	}
	s.logger.Info("Known-source set cleared via API", "plugin", name)
	c.Status(http.StatusNoContent)
}
