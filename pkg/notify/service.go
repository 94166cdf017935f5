package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goslack "github.com/slack-go/slack"

	"github.com/haven-archive/haven/pkg/bus"
)

// suppressionWindow is how long an identical failure (same fingerprint and
// source) stays silent after a delivery.
const suppressionWindow = 10 * time.Minute

// deliveryTimeout bounds one Slack round trip from the worker.
const deliveryTimeout = 15 * time.Second

// queueSize bounds undelivered failure events; beyond it events are
// dropped, never blocking the bus.
const queueSize = 64

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// PipelineFailure carries the fields of a PIPELINE_FAILED event the
// notifier renders.
type PipelineFailure struct {
	CorrelationID string
	SourcePath    string
	Step          string
	Code          string
	Message       string
	Category      string
	Details       map[string]any
}

// JobFailure describes a failed job run.
type JobFailure struct {
	JobName         string
	PluginName      string
	Reason          string
	ErrorMessage    string
	SourcesFound    int
	SourcesArchived int
}

type threadEntry struct {
	ts       string
	cachedAt time.Time
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger

	mu       sync.Mutex
	threads  map[string]threadEntry
	lastSent map[string]time.Time
	now      func() time.Time

	qmu        sync.Mutex
	queue      chan PipelineFailure
	qclosed    bool
	workerDone chan struct{}
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel))
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return newService(client)
}

func newService(client *Client) *Service {
	return &Service{
		client:   client,
		logger:   slog.Default().With("component", "notify"),
		threads:  make(map[string]threadEntry),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Subscribe attaches the service to the event bus so pipeline failures
// become Slack messages, and returns the detach function. Bus handlers must
// return promptly, so events are handed to a delivery worker over a bounded
// queue; when the queue is full events are dropped with a warning.
func (s *Service) Subscribe(events *bus.Bus) func() {
	if s == nil || events == nil {
		return func() {}
	}

	s.qmu.Lock()
	if s.queue == nil {
		s.queue = make(chan PipelineFailure, queueSize)
		s.workerDone = make(chan struct{})
		go s.worker()
	}
	s.qmu.Unlock()

	return events.Subscribe(bus.EventTypePipelineFailed, func(ev bus.Event) {
		s.enqueue(pipelineFailureFromEvent(ev))
	})
}

// Close drains the delivery worker. Detach bus subscriptions first.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.qmu.Lock()
	if s.queue == nil || s.qclosed {
		s.qmu.Unlock()
		return
	}
	s.qclosed = true
	close(s.queue)
	s.qmu.Unlock()
	<-s.workerDone
}

func (s *Service) enqueue(f PipelineFailure) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.queue == nil || s.qclosed {
		return
	}
	select {
	case s.queue <- f:
	default:
		s.logger.Warn("Notification queue full, dropping pipeline failure",
			"source_path", f.SourcePath, "code", f.Code)
	}
}

func (s *Service) worker() {
	defer close(s.workerDone)
	for f := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		s.NotifyPipelineFailure(ctx, f)
		cancel()
	}
}

// NotifyPipelineFailure posts a pipeline failure to Slack. Repeats of the
// same failure thread under the first message; identical (failure, source)
// pairs within the suppression window are dropped entirely.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyPipelineFailure(ctx context.Context, f PipelineFailure) {
	if s == nil {
		return
	}

	fingerprint := pipelineFingerprint(f)
	suppressKey := fingerprint + "|" + f.SourcePath
	fallback := fmt.Sprintf("Archive pipeline failed (%s): %s [%s]", f.Code, f.Message, fingerprint)

	s.deliver(ctx, fingerprint, suppressKey, fallback, BuildPipelineFailureMessage(f))
}

// NotifyJobFailure posts a failed job run to Slack, threaded by plugin and
// failure reason. Fail-open: errors are logged, never returned.
func (s *Service) NotifyJobFailure(ctx context.Context, f JobFailure) {
	if s == nil {
		return
	}

	fingerprint := jobFingerprint(f.PluginName, f.Reason)
	suppressKey := fingerprint + "|" + f.JobName
	fallback := fmt.Sprintf("Job run failed: %s (%s) [%s]", f.JobName, f.Reason, fingerprint)

	s.deliver(ctx, fingerprint, suppressKey, fallback, BuildJobFailureMessage(f))
}

func (s *Service) deliver(ctx context.Context, fingerprint, suppressKey, fallback string, blocks []goslack.Block) {
	if s.suppressed(suppressKey) {
		s.logger.Debug("Notification suppressed", "key", suppressKey)
		return
	}

	threadTS := s.threadFor(ctx, fingerprint)
	ts, err := s.client.PostMessage(ctx, fallback, blocks, threadTS, deliveryTimeout)
	if err != nil {
		s.logger.Error("Failed to send Slack notification",
			"fingerprint", fingerprint, "error", err)
		return
	}

	s.markSent(suppressKey)
	if threadTS == "" {
		// first post for this fingerprint becomes the thread root
		s.cacheThread(fingerprint, ts)
	}
}

// threadFor resolves the thread root for a fingerprint: cache first, then
// channel history. Returns "" when this failure should start a new thread.
func (s *Service) threadFor(ctx context.Context, fingerprint string) string {
	s.mu.Lock()
	entry, ok := s.threads[fingerprint]
	if ok && s.now().Sub(entry.cachedAt) < historyWindow {
		s.mu.Unlock()
		return entry.ts
	}
	delete(s.threads, fingerprint)
	s.mu.Unlock()

	ts, err := s.client.FindMessageByFingerprint(ctx, fingerprint)
	if err != nil {
		s.logger.Warn("Failed to find Slack thread for fingerprint",
			"fingerprint", fingerprint, "error", err)
		return ""
	}
	if ts != "" {
		s.cacheThread(fingerprint, ts)
	}
	return ts
}

func (s *Service) cacheThread(fingerprint, ts string) {
	if ts == "" {
		return
	}
	s.mu.Lock()
	s.threads[fingerprint] = threadEntry{ts: ts, cachedAt: s.now()}
	s.mu.Unlock()
}

func (s *Service) suppressed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSent[key]
	return ok && s.now().Sub(last) < suppressionWindow
}

func (s *Service) markSent(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.lastSent[key] = now
	// drop stale suppression entries so the map stays small
	for k, v := range s.lastSent {
		if now.Sub(v) >= suppressionWindow {
			delete(s.lastSent, k)
		}
	}
}

// pipelineFailureFromEvent maps a PIPELINE_FAILED bus event onto the
// renderer's input, tolerating absent payload fields.
func pipelineFailureFromEvent(ev bus.Event) PipelineFailure {
	str := func(key string) string {
		v, _ := ev.Payload[key].(string)
		return v
	}
	f := PipelineFailure{
		SourcePath: str("source_path"),
		Step:       str("step"),
		Code:       str("code"),
		Message:    str("message"),
		Category:   str("category"),
	}
	if ev.CorrelationID != uuid.Nil {
		f.CorrelationID = ev.CorrelationID.String()
	}
	if d, ok := ev.Payload["details"].(map[string]any); ok {
		f.Details = d
	}
	return f
}
