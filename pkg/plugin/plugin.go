// Package plugin defines the archival plugin contract and the registry that
// manages plugin lifecycle.
//
// ═══════════════════════════════════════════════════════════════════════════
// CONTRACT
// ═══════════════════════════════════════════════════════════════════════════
//
// A plugin wraps one media source family (a directory tree, a feed, an API)
// behind a uniform interface. Plugins declare what they can do through a
// capability set; the core consults capabilities only and never inspects
// plugin configuration.
//
// Lifecycle: Register → Configure (any time) → Initialize → serve
// Discover/Archive/HealthCheck calls → Shutdown. An Initialize failure marks
// the plugin unavailable: it stays registered and visible in listings, but
// resolution fails and discovery is never attempted.
package plugin

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haven-archive/haven/pkg/models"
)

var (
	// ErrPluginNotFound is returned when resolving an unregistered name.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginUnavailable is returned when resolving a plugin whose
	// Initialize failed.
	ErrPluginUnavailable = errors.New("plugin unavailable")

	// ErrAlreadyRegistered is returned when a plugin name is taken.
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrCapabilityNotSupported is returned by operations the plugin does
	// not implement.
	ErrCapabilityNotSupported = errors.New("capability not supported")
)

// Capabilities is a bitset of plugin abilities.
type Capabilities uint8

const (
	CapDiscover Capabilities = 1 << iota
	CapArchive
	CapStream
	CapSearch
	CapMetadata
	CapHealthCheck
)

var capabilityNames = []struct {
	cap  Capabilities
	name string
}{
	{CapDiscover, "discover"},
	{CapArchive, "archive"},
	{CapStream, "stream"},
	{CapSearch, "search"},
	{CapMetadata, "metadata"},
	{CapHealthCheck, "health-check"},
}

// Has reports whether every bit of c is present.
func (s Capabilities) Has(c Capabilities) bool {
	return s&c == c
}

// Names lists the set bits in declaration order.
func (s Capabilities) Names() []string {
	out := make([]string, 0, len(capabilityNames))
	for _, entry := range capabilityNames {
		if s.Has(entry.cap) {
			out = append(out, entry.name)
		}
	}
	return out
}

// MarshalJSON renders the set as a JSON array of capability names.
func (s Capabilities) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// PluginInfo describes a plugin to the core and to API consumers.
type PluginInfo struct {
	Name         string         `json:"name"`
	DisplayName  string         `json:"display_name"`
	Version      string         `json:"version"`
	MediaTypes   []string       `json:"media_types,omitempty"`
	Capabilities Capabilities   `json:"capabilities"`
	ConfigSchema models.JSONMap `json:"config_schema,omitempty"`
}

// Plugin is the contract every archival plugin implements. Discover is
// honored only when CapDiscover is declared, Archive only when CapArchive
// is; the other methods are universal.
type Plugin interface {
	// Info returns static plugin identity and capabilities.
	Info() PluginInfo

	// Initialize prepares the plugin for use. It must be idempotent.
	Initialize(ctx context.Context) error

	// Shutdown releases plugin resources best-effort.
	Shutdown(ctx context.Context) error

	// Configure merges options into the current plugin configuration.
	Configure(options map[string]any) error

	// HealthCheck is a cheap liveness probe. It must not panic.
	HealthCheck(ctx context.Context) bool

	// Discover enumerates currently visible sources. The returned slice is
	// finite, possibly empty, and free of duplicates within one call.
	Discover(ctx context.Context) ([]models.MediaSource, error)

	// Archive captures one source. On success the outcome's OutputPath is
	// a readable regular file of the stated size.
	Archive(ctx context.Context, source models.MediaSource) (*models.ArchiveOutcome, error)
}

// BasePlugin supplies no-op lifecycle methods and not-supported media
// operations. Embed it and override what the plugin actually does; Info is
// deliberately left to the embedder.
type BasePlugin struct{}

func (BasePlugin) Initialize(context.Context) error { return nil }
func (BasePlugin) Shutdown(context.Context) error   { return nil }
func (BasePlugin) Configure(map[string]any) error   { return nil }
func (BasePlugin) HealthCheck(context.Context) bool { return true }

func (BasePlugin) Discover(context.Context) ([]models.MediaSource, error) {
	return nil, ErrCapabilityNotSupported
}

func (BasePlugin) Archive(context.Context, models.MediaSource) (*models.ArchiveOutcome, error) {
	return nil, ErrCapabilityNotSupported
}
