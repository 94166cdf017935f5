package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/metrics"
)

// subscription pairs a handler with a removable identity.
type subscription struct {
	id      uuid.UUID
	handler Handler
}

// Bus is the shared in-process event bus. Many publishers, many
// subscribers; publish never fails.
type Bus struct {
	mu      sync.RWMutex
	typed   map[string][]subscription
	globals []subscription

	// history ring; nil until EnableHistory
	history    []Event
	historyMax int
	next       int
	size       int

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an event bus. metrics may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:   make(map[string][]subscription),
		logger:  logger.With("component", "bus"),
		metrics: m,
		now:     time.Now,
	}
}

// Subscribe registers a handler for one event type and returns an
// idempotent unsubscribe func.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	sub := subscription{id: uuid.New(), handler: h}
	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()
	return func() { b.removeTyped(eventType, sub.id) }
}

// SubscribeAll registers a handler for every event type and returns an
// idempotent unsubscribe func.
func (b *Bus) SubscribeAll(h Handler) func() {
	if h == nil {
		return func() {}
	}
	sub := subscription{id: uuid.New(), handler: h}
	b.mu.Lock()
	b.globals = append(b.globals, sub)
	b.mu.Unlock()
	return func() { b.removeGlobal(sub.id) }
}

func (b *Bus) removeTyped(eventType string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.typed[eventType]
	for i, s := range subs {
		if s.id == id {
			b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeGlobal(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.globals {
		if s.id == id {
			b.globals = append(b.globals[:i:i], b.globals[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all global subscribers and all subscribers
// of its type, each on its own goroutine, and returns once every handler
// has finished. Missing id/timestamp fields are filled in. Publish never
// fails; handler panics are recovered and logged.
func (b *Bus) Publish(evt Event) {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}

	b.mu.Lock()
	b.record(evt)
	// snapshot under the same lock so history order matches dispatch order
	handlers := make([]subscription, 0, len(b.globals)+len(b.typed[evt.Type]))
	handlers = append(handlers, b.globals...)
	handlers = append(handlers, b.typed[evt.Type]...)
	b.mu.Unlock()

	b.metrics.EventPublished(evt.Type)

	var wg sync.WaitGroup
	for _, sub := range handlers {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						"event_type", evt.Type,
						"event_id", evt.ID.String(),
						"panic", r)
				}
			}()
			s.handler(evt)
		}(sub)
	}
	wg.Wait()
}

// EnableHistory turns on the bounded history ring. Oldest events are
// evicted once maxSize is reached. maxSize <= 0 disables history.
func (b *Bus) EnableHistory(maxSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxSize <= 0 {
		b.history = nil
		b.historyMax = 0
		b.next, b.size = 0, 0
		return
	}
	old := b.snapshotLocked()
	b.history = make([]Event, maxSize)
	b.historyMax = maxSize
	b.next, b.size = 0, 0
	start := 0
	if len(old) > maxSize {
		start = len(old) - maxSize
	}
	for _, e := range old[start:] {
		b.recordRing(e)
	}
}

// record appends to the ring if history is enabled. Callers hold b.mu.
func (b *Bus) record(evt Event) {
	if b.historyMax == 0 {
		return
	}
	b.recordRing(evt)
}

func (b *Bus) recordRing(evt Event) {
	b.history[b.next] = evt
	b.next = (b.next + 1) % b.historyMax
	if b.size < b.historyMax {
		b.size++
	}
}

// snapshotLocked returns history oldest-first. Callers hold b.mu.
func (b *Bus) snapshotLocked() []Event {
	if b.size == 0 {
		return nil
	}
	out := make([]Event, 0, b.size)
	start := (b.next - b.size + b.historyMax) % b.historyMax
	for i := 0; i < b.size; i++ {
		out = append(out, b.history[(start+i)%b.historyMax])
	}
	return out
}

// HistoryFilter narrows QueryHistory results. Zero values match everything.
type HistoryFilter struct {
	Type          string
	CorrelationID uuid.UUID
	Source        string
	Since         time.Time
	Limit         int
}

// QueryHistory returns matching events oldest-first. Limit keeps the most
// recent N matches.
func (b *Bus) QueryHistory(f HistoryFilter) []Event {
	b.mu.RLock()
	events := b.snapshotLocked()
	b.mu.RUnlock()

	out := make([]Event, 0, len(events))
	for _, e := range events {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.CorrelationID != uuid.Nil && e.CorrelationID != f.CorrelationID {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ClearHistory empties the history ring without touching subscriptions.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next, b.size = 0, 0
	for i := range b.history {
		b.history[i] = Event{}
	}
}
