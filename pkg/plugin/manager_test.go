package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/models"
)

type fakePlugin struct {
	BasePlugin
	name      string
	caps      Capabilities
	initErr   error
	healthy   bool
	inits     int
	shutdowns int
	options   map[string]any
}

func newFakePlugin(name string) *fakePlugin {
	return &fakePlugin{
		name:    name,
		caps:    CapDiscover | CapArchive | CapHealthCheck,
		healthy: true,
	}
}

func (f *fakePlugin) Info() PluginInfo {
	return PluginInfo{Name: f.name, DisplayName: f.name, Version: "test", Capabilities: f.caps}
}

func (f *fakePlugin) Initialize(context.Context) error {
	f.inits++
	return f.initErr
}

func (f *fakePlugin) Shutdown(context.Context) error {
	f.shutdowns++
	return nil
}

func (f *fakePlugin) Configure(options map[string]any) error {
	f.options = options
	return nil
}

func (f *fakePlugin) HealthCheck(context.Context) bool { return f.healthy }

func (f *fakePlugin) Discover(context.Context) ([]models.MediaSource, error) {
	return []models.MediaSource{{SourceID: "s1", URI: "/tmp/s1"}}, nil
}

func newTestManager() *Manager {
	return NewManager(slog.Default())
}

func TestManager_Register(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Register(newFakePlugin("alpha")))

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := m.Register(newFakePlugin("alpha"))
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
	})

	t.Run("empty name rejected", func(t *testing.T) {
		err := m.Register(newFakePlugin(""))
		assert.Error(t, err)
	})
}

func TestManager_InitializeAll(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	good := newFakePlugin("good")
	bad := newFakePlugin("bad")
	bad.initErr = errors.New("no credentials")

	require.NoError(t, m.Register(good))
	require.NoError(t, m.Register(bad))

	m.InitializeAll(ctx)

	t.Run("ready plugin resolves", func(t *testing.T) {
		p, err := m.Get("good")
		require.NoError(t, err)
		assert.Equal(t, "good", p.Info().Name)
		assert.Equal(t, 1, good.inits)
	})

	t.Run("failed plugin is unavailable", func(t *testing.T) {
		_, err := m.Get("bad")
		assert.ErrorIs(t, err, ErrPluginUnavailable)
	})

	t.Run("listing shows both states", func(t *testing.T) {
		statuses := m.List()
		require.Len(t, statuses, 2)
		// sorted by name: bad, good
		assert.Equal(t, StateUnavailable, statuses[0].State)
		assert.Contains(t, statuses[0].LastError, "no credentials")
		assert.Equal(t, StateReady, statuses[1].State)
		assert.Empty(t, statuses[1].LastError)
	})
}

func TestManager_Get_NotFound(t *testing.T) {
	m := newTestManager()
	_, err := m.Get("ghost")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManager_Get_BeforeInitialize(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Register(newFakePlugin("early")))

	_, err := m.Get("early")
	assert.ErrorIs(t, err, ErrPluginUnavailable)
}

func TestManager_Configure(t *testing.T) {
	m := newTestManager()
	p := newFakePlugin("cfg")
	require.NoError(t, m.Register(p))

	require.NoError(t, m.Configure("cfg", map[string]any{"watch_dir": "/tmp"}))
	assert.Equal(t, "/tmp", p.options["watch_dir"])

	err := m.Configure("ghost", nil)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManager_HealthCheckAll(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	healthy := newFakePlugin("healthy")
	sick := newFakePlugin("sick")
	sick.healthy = false
	broken := newFakePlugin("broken")
	broken.initErr = errors.New("boom")

	require.NoError(t, m.Register(healthy))
	require.NoError(t, m.Register(sick))
	require.NoError(t, m.Register(broken))
	m.InitializeAll(ctx)

	results := m.HealthCheckAll(ctx)
	assert.Equal(t, map[string]bool{
		"healthy": true,
		"sick":    false,
		"broken":  false,
	}, results)
}

func TestManager_ShutdownAll(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	p := newFakePlugin("closer")
	require.NoError(t, m.Register(p))
	m.InitializeAll(ctx)

	m.ShutdownAll(ctx)
	assert.Equal(t, 1, p.shutdowns)

	// shut-down plugins no longer resolve
	_, err := m.Get("closer")
	assert.ErrorIs(t, err, ErrPluginUnavailable)

	// second call does not re-invoke Shutdown
	m.ShutdownAll(ctx)
	assert.Equal(t, 1, p.shutdowns)
}

func TestCapabilities(t *testing.T) {
	caps := CapDiscover | CapArchive | CapHealthCheck

	assert.True(t, caps.Has(CapDiscover))
	assert.True(t, caps.Has(CapDiscover|CapArchive))
	assert.False(t, caps.Has(CapStream))
	assert.False(t, caps.Has(CapDiscover|CapSearch))

	assert.Equal(t, []string{"discover", "archive", "health-check"}, caps.Names())

	raw, err := json.Marshal(caps)
	require.NoError(t, err)
	assert.JSONEq(t, `["discover","archive","health-check"]`, string(raw))
}

func TestBasePlugin_Defaults(t *testing.T) {
	var base BasePlugin
	ctx := context.Background()

	assert.NoError(t, base.Initialize(ctx))
	assert.NoError(t, base.Shutdown(ctx))
	assert.NoError(t, base.Configure(nil))
	assert.True(t, base.HealthCheck(ctx))

	_, err := base.Discover(ctx)
	assert.ErrorIs(t, err, ErrCapabilityNotSupported)

	_, err = base.Archive(ctx, models.MediaSource{})
	assert.ErrorIs(t, err, ErrCapabilityNotSupported)
}
