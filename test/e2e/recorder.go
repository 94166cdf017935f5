package e2e

import (
	"fmt"
	"sync"

	"github.com/haven-archive/haven/pkg/bus"
)

// EventRecorder captures every bus event for later assertions. The bus
// joins handler completion on Publish, so after a producer returns all of
// its events are visible here.
type EventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) handle(evt bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a snapshot in arrival order.
func (r *EventRecorder) Events() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset drops everything recorded so far. Scenarios call it between runs to
// assert on one run's events in isolation.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// CountType reports how many recorded events have the given type.
func (r *EventRecorder) CountType(eventType string) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

// FirstOfType returns the earliest event of the given type, or false.
func (r *EventRecorder) FirstOfType(eventType string) (bus.Event, bool) {
	for _, evt := range r.Events() {
		if evt.Type == eventType {
			return evt, true
		}
	}
	return bus.Event{}, false
}

// FindStep returns the earliest step-lifecycle event of the given type for
// the given step name, or false.
func (r *EventRecorder) FindStep(eventType, step string) (bus.Event, bool) {
	for _, evt := range r.Events() {
		if evt.Type == eventType && evt.Payload["step"] == step {
			return evt, true
		}
	}
	return bus.Event{}, false
}

// StepTrace renders the pipeline-lifecycle view of the recorded events:
// step events become "TYPE:step" and terminal pipeline events stand alone,
// everything else is dropped. This is the sequence the archival scenarios
// assert against.
func (r *EventRecorder) StepTrace() []string {
	var trace []string
	for _, evt := range r.Events() {
		switch evt.Type {
		case bus.EventTypeStepStarted, bus.EventTypeStepComplete,
			bus.EventTypeStepFailed, bus.EventTypeStepSkipped:
			step, _ := evt.Payload["step"].(string)
			trace = append(trace, fmt.Sprintf("%s:%s", evt.Type, step))
		case bus.EventTypePipelineComplete, bus.EventTypePipelineFailed,
			bus.EventTypePipelineCancelled:
			trace = append(trace, evt.Type)
		}
	}
	return trace
}
