package models

// Priority ranks a discovered source for archival ordering.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// IsValid checks if the priority is one of the accepted values.
func (p Priority) IsValid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// MediaSource is a candidate item produced by plugin discovery. Two sources
// from the same plugin with equal SourceID refer to the same logical item.
type MediaSource struct {
	SourceID  string         `json:"source_id"`
	MediaType string         `json:"media_type"`
	URI       string         `json:"uri"`
	Priority  Priority       `json:"priority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ArchiveOutcome is the result of one plugin archive call. On success,
// OutputPath names a readable regular file of FileSize bytes.
type ArchiveOutcome struct {
	Success         bool           `json:"success"`
	OutputPath      string         `json:"output_path,omitempty"`
	FileSize        int64          `json:"file_size,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
