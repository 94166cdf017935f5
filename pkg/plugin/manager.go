package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State tracks where a plugin is in its lifecycle.
type State string

const (
	StateRegistered  State = "registered"
	StateReady       State = "ready"
	StateUnavailable State = "unavailable"
	StateShutdown    State = "shutdown"
)

// Status is the listing view of one registered plugin.
type Status struct {
	Info      PluginInfo `json:"info"`
	State     State      `json:"state"`
	LastError string     `json:"last_error,omitempty"`
	Healthy   *bool      `json:"healthy,omitempty"`
}

type registration struct {
	plugin  Plugin
	state   State
	lastErr error
}

// Manager stores registered plugins and drives their lifecycle with
// thread-safe access.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*registration
	logger  *slog.Logger
}

// NewManager creates an empty plugin manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		plugins: make(map[string]*registration),
		logger:  logger.With("component", "plugin-manager"),
	}
}

// Register adds a plugin under its declared name.
func (m *Manager) Register(p Plugin) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin declares an empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[info.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.Name)
	}
	m.plugins[info.Name] = &registration{plugin: p, state: StateRegistered}
	m.logger.Info("Registered plugin",
		"plugin", info.Name,
		"version", info.Version,
		"capabilities", info.Capabilities.Names())
	return nil
}

// InitializeAll initializes every registered plugin. A failure marks that
// plugin unavailable and moves on; the manager itself never fails here.
func (m *Manager) InitializeAll(ctx context.Context) {
	for _, name := range m.names() {
		m.initialize(ctx, name)
	}
}

func (m *Manager) initialize(ctx context.Context, name string) {
	m.mu.Lock()
	reg, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	p := reg.plugin
	m.mu.Unlock()

	start := time.Now()
	err := p.Initialize(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		reg.state = StateUnavailable
		reg.lastErr = err
		m.logger.Error("Plugin initialization failed; marked unavailable",
			"plugin", name,
			"error", err)
		return
	}
	reg.state = StateReady
	reg.lastErr = nil
	m.logger.Info("Initialized plugin",
		"plugin", name,
		"duration", time.Since(start).Round(time.Millisecond))
}

// Get resolves a ready plugin by name.
func (m *Manager) Get(name string) (Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if reg.state != StateReady {
		return nil, fmt.Errorf("%w: %s (state %s)", ErrPluginUnavailable, name, reg.state)
	}
	return reg.plugin, nil
}

// Configure forwards options to a plugin. Allowed in any state before
// shutdown so startup config can land ahead of Initialize.
func (m *Manager) Configure(name string, options map[string]any) error {
	m.mu.RLock()
	reg, ok := m.plugins[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if err := reg.plugin.Configure(options); err != nil {
		return fmt.Errorf("failed to configure plugin %s: %w", name, err)
	}
	return nil
}

// List reports all registered plugins sorted by name.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.plugins))
	for _, reg := range m.plugins {
		st := Status{Info: reg.plugin.Info(), State: reg.state}
		if reg.lastErr != nil {
			st.LastError = reg.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out
}

// HealthCheckAll probes every ready plugin and returns name → healthy.
// Plugins that are not ready are reported unhealthy without being probed.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]bool {
	m.mu.RLock()
	type probe struct {
		name   string
		plugin Plugin
		ready  bool
	}
	probes := make([]probe, 0, len(m.plugins))
	for name, reg := range m.plugins {
		probes = append(probes, probe{name: name, plugin: reg.plugin, ready: reg.state == StateReady})
	}
	m.mu.RUnlock()

	results := make(map[string]bool, len(probes))
	for _, pr := range probes {
		if !pr.ready {
			results[pr.name] = false
			continue
		}
		results[pr.name] = pr.plugin.HealthCheck(ctx)
	}
	return results
}

// ShutdownAll tears down every plugin best-effort, logging failures.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, name := range m.names() {
		m.mu.Lock()
		reg, ok := m.plugins[name]
		if !ok || reg.state == StateShutdown {
			m.mu.Unlock()
			continue
		}
		p := reg.plugin
		reg.state = StateShutdown
		m.mu.Unlock()

		if err := p.Shutdown(ctx); err != nil {
			m.logger.Warn("Plugin shutdown failed",
				"plugin", name,
				"error", err)
		}
	}
	m.logger.Info("All plugins shut down")
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
