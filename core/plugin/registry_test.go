package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/eventbus"
	"github.com/makeict/mcp/core/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name          string
	options       []api.OptionSpec
	clientOptions []api.OptionSpec
	actions       []api.Action
	events        []api.Event
	enables       int
	disables      int
	initErr       error
}

func (p *fakePlugin) Name() string                      { return p.name }
func (p *fakePlugin) Options() []api.OptionSpec         { return p.options }
func (p *fakePlugin) Actions() []api.Action             { return p.actions }
func (p *fakePlugin) Initialize(api.CoreAPI) error      { return p.initErr }
func (p *fakePlugin) Shutdown() error                   { return nil }
func (p *fakePlugin) ClientOptions() []api.OptionSpec   { return p.clientOptions }
func (p *fakePlugin) ClientActions() []api.ClientAction { return nil }
func (p *fakePlugin) OnEnable() error                   { p.enables++; return nil }
func (p *fakePlugin) OnDisable() error                  { p.disables++; return nil }

func (p *fakePlugin) OptionUpdated(context.Context, int, string, string, string) error { return nil }

func (p *fakePlugin) HandleEvent(e api.Event) error {
	p.events = append(p.events, e)
	return nil
}

type failingOptionsStore struct {
	*store.Store
	fail bool
}

func (s *failingOptionsStore) AddOptions(ctx context.Context, scope store.Scope, plugin string, specs []api.OptionSpec) error {
	if s.fail {
		return &api.PersistenceError{Op: "add options", Err: errors.New("disk I/O error")}
	}
	return s.Store.AddOptions(ctx, scope, plugin, specs)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestRegistry(t *testing.T) (*Registry, *eventbus.EventBus) {
	t.Helper()
	bus := eventbus.NewEventBus("", api.NopLogger())
	return NewRegistry(openStore(t), bus, api.NopLogger()), bus
}

func TestRegisterPersistsOrderedOptions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	p := &fakePlugin{name: "P", options: []api.OptionSpec{
		{Name: "zeta", Type: api.OptionText},
		{Name: "alpha", Type: api.OptionNumber},
		{Name: "mid", Type: api.OptionBoolean},
	}}
	require.NoError(t, reg.Register(ctx, p))

	ordered, err := reg.GetOrderedOptions(ctx, "P")
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	for i, name := range []string{"zeta", "alpha", "mid"} {
		assert.Equal(t, name, ordered[i].Name)
	}

	opts, err := reg.GetOptions(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zeta": "", "alpha": "", "mid": ""}, opts)
}

func TestRegisterDuplicateName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &fakePlugin{name: "P"}))

	err := reg.Register(ctx, &fakePlugin{name: "P"})
	assert.ErrorIs(t, err, api.ErrRegistrationFailed)
	assert.ErrorIs(t, err, api.ErrAlreadyExists)
}

func TestRegisterPartialFailureLeavesPlugin(t *testing.T) {
	st := &failingOptionsStore{Store: openStore(t), fail: true}
	reg := NewRegistry(st, eventbus.NewEventBus("", api.NopLogger()), api.NopLogger())
	ctx := context.Background()
	p := &fakePlugin{name: "P", options: []api.OptionSpec{{Name: "a", Type: api.OptionText}}}

	err := reg.Register(ctx, p)
	require.ErrorIs(t, err, api.ErrRegistrationFailed)
	var regErr *api.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "options", regErr.Stage)

	plugins, err := reg.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Empty(t, plugins[0].Options)

	st.fail = false
	require.NoError(t, reg.AddOption(ctx, "P", "a", api.OptionText))
	opts, err := reg.GetOptions(ctx, "P")
	require.NoError(t, err)
	assert.Contains(t, opts, "a")
}

func TestInstallReconcilesMissingOptions(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	first := NewRegistry(st, eventbus.NewEventBus("", api.NopLogger()), api.NopLogger())
	require.NoError(t, first.Install(ctx, &fakePlugin{name: "P", options: []api.OptionSpec{{Name: "a", Type: api.OptionText}}}))
	require.NoError(t, first.SetOption(ctx, "P", "a", "kept"))

	second := NewRegistry(st, eventbus.NewEventBus("", api.NopLogger()), api.NopLogger())
	require.NoError(t, second.Install(ctx, &fakePlugin{
		name:          "P",
		options:       []api.OptionSpec{{Name: "a", Type: api.OptionText}, {Name: "b", Type: api.OptionNumber}},
		clientOptions: []api.OptionSpec{{Name: "c", Type: api.OptionText}},
	}))

	ordered, err := second.GetOrderedOptions(ctx, "P")
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "kept", ordered[0].Value)
	assert.Equal(t, "b", ordered[1].Name)
	assert.Equal(t, 1, ordered[1].Ordinal)

	plugins, err := second.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, plugins[0].ClientOptions, 1)
}

func TestEnableDisableManagesSubscription(t *testing.T) {
	reg, bus := newTestRegistry(t)
	ctx := context.Background()
	p := &fakePlugin{name: "P"}
	require.NoError(t, reg.Register(ctx, p))

	require.NoError(t, bus.Broadcast("test", "before", nil))
	assert.Empty(t, p.events, "registered but disabled plugin receives nothing")

	require.NoError(t, reg.Enable(ctx, "P"))
	require.NoError(t, bus.Broadcast("test", "while-enabled", nil))

	require.NoError(t, reg.Disable(ctx, "P"))
	require.NoError(t, bus.Broadcast("test", "while-disabled", nil))

	require.NoError(t, reg.Enable(ctx, "P"))
	require.NoError(t, bus.Broadcast("test", "re-enabled", nil))

	var names []string
	for _, e := range p.events {
		if e.Source == "test" {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"while-enabled", "re-enabled"}, names)
	assert.Equal(t, 2, p.enables)
	assert.Equal(t, 1, p.disables)

	enabled, err := reg.IsEnabled(ctx, "P")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestEnableTwiceSubscribesOnce(t *testing.T) {
	reg, bus := newTestRegistry(t)
	ctx := context.Background()
	p := &fakePlugin{name: "P"}
	require.NoError(t, reg.Register(ctx, p))
	require.NoError(t, reg.Enable(ctx, "P"))
	require.NoError(t, reg.Enable(ctx, "P"))
	require.NoError(t, reg.Restore(ctx))

	assert.Equal(t, []string{"P"}, bus.Subscribers())
	assert.Equal(t, 1, p.enables)
}

func TestStateAnnouncedOnlyOnChange(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	watcher := &fakePlugin{name: "Watcher"}
	require.NoError(t, reg.Register(ctx, watcher))
	require.NoError(t, reg.Enable(ctx, "Watcher"))
	require.NoError(t, reg.Register(ctx, &fakePlugin{name: "P"}))

	require.NoError(t, reg.Enable(ctx, "P"))
	require.NoError(t, reg.Enable(ctx, "P"))
	require.NoError(t, reg.Disable(ctx, "P"))
	require.NoError(t, reg.Disable(ctx, "P"))

	var names []string
	for _, e := range watcher.events {
		if e.Payload["plugin"] == "P" {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{api.EventPluginEnabled, api.EventPluginDisabled}, names)
}

func TestEnableUnknownPlugin(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Enable(context.Background(), "ghost")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestRestoreSubscribesPersistedEnabledPlugins(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	first := NewRegistry(st, eventbus.NewEventBus("", api.NopLogger()), api.NopLogger())
	require.NoError(t, first.Install(ctx, &fakePlugin{name: "P"}))
	require.NoError(t, first.Enable(ctx, "P"))

	bus := eventbus.NewEventBus("", api.NopLogger())
	second := NewRegistry(st, bus, api.NopLogger())
	p := &fakePlugin{name: "P"}
	require.NoError(t, second.Install(ctx, p))
	require.NoError(t, second.Restore(ctx))

	assert.Equal(t, []string{"P"}, bus.Subscribers())
	assert.Equal(t, 1, p.enables)
}

func TestSetOptionTwiceKeepsLatest(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &fakePlugin{name: "P", options: []api.OptionSpec{{Name: "o", Type: api.OptionText}}}))

	require.NoError(t, reg.SetOption(ctx, "P", "o", "v1"))
	require.NoError(t, reg.SetOption(ctx, "P", "o", "v2"))

	opts, err := reg.GetOptions(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, "v2", opts["o"])

	assert.ErrorIs(t, reg.SetOption(ctx, "P", "missing", "x"), api.ErrNotFound)
	assert.ErrorIs(t, reg.SetOption(ctx, "missing", "o", "x"), api.ErrNotFound)
}

func TestActionLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, &fakePlugin{name: "P", actions: []api.Action{
		{Name: "Go", Run: func(api.ActionContext) error { return nil }},
	}}))

	a, err := reg.Action("P", "Go")
	require.NoError(t, err)
	assert.Equal(t, "Go", a.Name)

	_, err = reg.Action("P", "Stop")
	assert.ErrorIs(t, err, api.ErrNotFound)
	_, err = reg.Action("Q", "Go")
	assert.ErrorIs(t, err, api.ErrNotFound)

	plugins, err := reg.ListPlugins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Go"}, plugins[0].Actions)
}

func TestLoaderSkipsFailingAndDuplicatePlugins(t *testing.T) {
	l := NewLoader("", api.NopLogger(), nil)
	loaded := l.LoadAll([]api.Plugin{
		&fakePlugin{name: "A"},
		&fakePlugin{name: "B", initErr: errors.New("no device")},
		&fakePlugin{name: "A"},
		&fakePlugin{name: "C"},
	})

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"A", "C"}, names)
}

func TestLoaderReadsPluginDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.so", "a.so", "notes.txt"} {
		require.NoError(t, writeFile(filepath.Join(dir, name)))
	}

	l := NewLoader(dir, api.NopLogger(), nil)
	var opened []string
	l.open = func(path string) (api.Plugin, error) {
		opened = append(opened, filepath.Base(path))
		return &fakePlugin{name: filepath.Base(path)}, nil
	}

	loaded := l.LoadAll(nil)
	assert.Len(t, loaded, 2)
	assert.Equal(t, []string{"a.so", "b.so"}, opened)
}

func writeFile(path string) error {
	return os.WriteFile(path, nil, 0o644)
}
