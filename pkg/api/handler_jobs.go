package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/models"
)

const defaultHistoryLimit = 50

// jobID parses the :id path parameter, writing a 400 response on failure.
func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

// intQuery parses a non-negative integer query parameter, writing a 400
// response on failure.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return n, true
}

// listJobs handles GET /api/v1/jobs.
func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.jobs.GetAll(c.Request.Context())
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// createJob handles POST /api/v1/jobs. The job goes through the scheduler
// so it starts firing without a restart.
func (s *Server) createJob(c *gin.Context) {
	var req models.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.scheduler.Add(c.Request.Context(), req)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// getJob handles GET /api/v1/jobs/:id.
func (s *Server) getJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.jobs.Get(c.Request.Context(), id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// deleteJob handles DELETE /api/v1/jobs/:id. Execution history survives.
func (s *Server) deleteJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if err := s.scheduler.Remove(c.Request.Context(), id); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// pauseJob handles POST /api/v1/jobs/:id/pause.
func (s *Server) pauseJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.scheduler.Pause(c.Request.Context(), id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// resumeJob handles POST /api/v1/jobs/:id/resume.
func (s *Server) resumeJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := s.scheduler.Resume(c.Request.Context(), id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// runJob handles POST /api/v1/jobs/:id/run. Blocks until the run finishes
// and returns its execution record.
func (s *Server) runJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	rec, err := s.scheduler.RunNow(c.Request.Context(), id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// jobHistory handles GET /api/v1/jobs/:id/history.
func (s *Server) jobHistory(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}

	recs, err := s.executions.History(c.Request.Context(), models.ExecutionFilters{
		JobID:  &id,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if recs == nil {
		recs = []*models.JobExecutionRecord{}
	}
	c.JSON(http.StatusOK, recs)
}
