package steps

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/bus"
)

// stepEnv captures every event published while a step runs.
type stepEnv struct {
	bus *bus.Bus

	mu     sync.Mutex
	events []bus.Event
}

func newStepEnv() *stepEnv {
	env := &stepEnv{bus: bus.New(slog.Default(), nil)}
	env.bus.SubscribeAll(func(evt bus.Event) {
		env.mu.Lock()
		env.events = append(env.events, evt)
		env.mu.Unlock()
	})
	return env
}

func (e *stepEnv) eventTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]string, len(e.events))
	for i, evt := range e.events {
		types[i] = evt.Type
	}
	return types
}

func (e *stepEnv) eventsOf(eventType string) []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bus.Event
	for _, evt := range e.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
