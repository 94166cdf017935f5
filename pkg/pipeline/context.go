package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// IngestInfo is the ingest step's accumulated output.
type IngestInfo struct {
	ContentHash string  `json:"content_hash"`
	FileSize    int64   `json:"file_size"`
	Duration    float64 `json:"duration,omitempty"`
	IsDuplicate bool    `json:"is_duplicate"`
}

// UploadResult is the upload step's accumulated output.
type UploadResult struct {
	RootCID  string `json:"root_cid"`
	PieceCID string `json:"piece_cid,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// ErrorEntry is one record in the context's error log.
type ErrorEntry struct {
	Step      string         `json:"step"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Context carries one media item through the pipeline. It is mutable and
// exclusively owned by the goroutine processing it, so access is unlocked.
type Context struct {
	CorrelationID uuid.UUID      `json:"correlation_id"`
	SourcePath    string         `json:"source_path"`
	Options       map[string]any `json:"options,omitempty"`

	// Accumulated step outputs.
	Ingest        *IngestInfo    `json:"ingest,omitempty"`
	Analysis      map[string]any `json:"analysis,omitempty"`
	Encryption    map[string]any `json:"encryption,omitempty"`
	EncryptedPath string         `json:"encrypted_path,omitempty"`
	Upload        *UploadResult  `json:"upload,omitempty"`
	SyncEntityKey string         `json:"sync_entity_key,omitempty"`

	ErrorLog []ErrorEntry `json:"error_log,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// scratch is per-step working state namespaced by step name. Steps use
	// it across retries; it never outlives the context.
	scratch map[string]map[string]any
}

// NewContext creates a pipeline context for one source path.
func NewContext(sourcePath string, options map[string]any) *Context {
	if options == nil {
		options = make(map[string]any)
	}
	now := time.Now().UTC()
	return &Context{
		CorrelationID: uuid.New(),
		SourcePath:    sourcePath,
		Options:       options,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CurrentPath is the artifact later steps should consume: the encrypted
// override when present, otherwise the original source path.
func (c *Context) CurrentPath() string {
	if c.EncryptedPath != "" {
		return c.EncryptedPath
	}
	return c.SourcePath
}

// AddError appends a step failure to the error log.
func (c *Context) AddError(step string, stepErr *StepError) {
	c.ErrorLog = append(c.ErrorLog, ErrorEntry{
		Step:      step,
		Code:      stepErr.Code,
		Message:   stepErr.Message,
		Timestamp: time.Now().UTC(),
		Details:   stepErr.Details,
	})
	c.Touch()
}

// Scratch returns the named step's scratch map, creating it on first use.
func (c *Context) Scratch(step string) map[string]any {
	if c.scratch == nil {
		c.scratch = make(map[string]map[string]any)
	}
	m, ok := c.scratch[step]
	if !ok {
		m = make(map[string]any)
		c.scratch[step] = m
	}
	return m
}

// Touch bumps the updated timestamp.
func (c *Context) Touch() {
	c.UpdatedAt = time.Now().UTC()
}

// Option reads an option with a default.
func (c *Context) Option(key string, fallback any) any {
	if v, ok := c.Options[key]; ok {
		return v
	}
	return fallback
}
