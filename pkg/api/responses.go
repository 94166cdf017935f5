package api

import (
	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/scheduler"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Database  *database.HealthStatus `json:"database"`
	Scheduler *scheduler.Status      `json:"scheduler,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Version   string           `json:"version"`
	Scheduler scheduler.Status `json:"scheduler"`
	Plugins   []plugin.Status  `json:"plugins,omitempty"`
}
