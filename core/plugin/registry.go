package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/store"
)

// OptionStore is the persistence the registry needs
type OptionStore interface {
	CreatePlugin(ctx context.Context, name string) (int64, error)
	GetPlugin(ctx context.Context, name string) (store.PluginRecord, error)
	ListPlugins(ctx context.Context) ([]store.PluginRecord, error)
	SetPluginEnabled(ctx context.Context, name string, enabled bool) error
	AddOptions(ctx context.Context, scope store.Scope, plugin string, specs []api.OptionSpec) error
	RemoveOption(ctx context.Context, scope store.Scope, plugin, option string) error
	OptionSchema(ctx context.Context, scope store.Scope, plugin string) ([]api.Option, error)
	PluginOptions(ctx context.Context, plugin string) ([]api.Option, error)
	SetPluginOption(ctx context.Context, plugin, option, value string) error
}

// Bus is the part of the event bus the registry drives
type Bus interface {
	Subscribe(sub api.Subscriber) bool
	Unsubscribe(name string) bool
	Broadcast(source, name string, payload map[string]interface{}) error
}

// Registry indexes registered plugins and their actions, and keeps
// persisted enablement and bus subscriptions in step.
type Registry struct {
	store   OptionStore
	bus     Bus
	logger  api.Logger
	mutex   sync.RWMutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	plugin        api.Plugin
	actions       map[string]api.Action
	actionNames   []string
	clientActions map[string]api.ClientAction
	clientNames   []string
	attached      bool
}

// NewRegistry creates a new plugin registry
func NewRegistry(st OptionStore, bus Bus, logger api.Logger) *Registry {
	return &Registry{
		store:   st,
		bus:     bus,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register persists a new plugin and its option schemas.
//
// The plugin row is created first and the option declarations second. If the
// second step fails the row stays behind and a RegistrationError with stage
// "options" is returned; AddOption or Install can complete the schema later.
func (r *Registry) Register(ctx context.Context, p api.Plugin) error {
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return &api.RegistrationError{Plugin: name, Stage: "validate", Err: fmt.Errorf("%w: plugin name is required", api.ErrInvalidValue)}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.entries[name]; exists {
		return &api.RegistrationError{Plugin: name, Stage: "create", Err: api.ErrAlreadyExists}
	}
	if _, err := r.store.CreatePlugin(ctx, name); err != nil {
		return &api.RegistrationError{Plugin: name, Stage: "create", Err: err}
	}

	r.index(p)

	if err := r.addSchemas(ctx, p, nil, nil); err != nil {
		r.logger.Error("Plugin registered without complete option schema", "plugin", name, "error", err)
		return &api.RegistrationError{Plugin: name, Stage: "options", Err: err}
	}

	r.logger.Info("Registered plugin", "plugin", name)
	return nil
}

// Install registers p if its name is new. Otherwise it indexes p and adds
// every declared option missing from the persisted schemas.
func (r *Registry) Install(ctx context.Context, p api.Plugin) error {
	name := p.Name()
	if _, err := r.store.GetPlugin(ctx, name); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return r.Register(ctx, p)
		}
		return &api.RegistrationError{Plugin: name, Stage: "lookup", Err: err}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.entries[name]; exists {
		return &api.RegistrationError{Plugin: name, Stage: "create", Err: api.ErrAlreadyExists}
	}

	existing, err := r.store.OptionSchema(ctx, store.ScopePlugin, name)
	if err != nil {
		return &api.RegistrationError{Plugin: name, Stage: "lookup", Err: err}
	}
	existingClient, err := r.store.OptionSchema(ctx, store.ScopeClient, name)
	if err != nil {
		return &api.RegistrationError{Plugin: name, Stage: "lookup", Err: err}
	}

	r.index(p)

	if err := r.addSchemas(ctx, p, existing, existingClient); err != nil {
		return &api.RegistrationError{Plugin: name, Stage: "options", Err: err}
	}

	r.logger.Debug("Installed plugin", "plugin", name)
	return nil
}

// addSchemas declares every option of p that is not already in have/haveClient
func (r *Registry) addSchemas(ctx context.Context, p api.Plugin, have, haveClient []api.Option) error {
	if missing := missingSpecs(p.Options(), have); len(missing) > 0 {
		if err := r.store.AddOptions(ctx, store.ScopePlugin, p.Name(), missing); err != nil {
			return fmt.Errorf("failed to add plugin options: %w", err)
		}
	}

	cp, ok := p.(api.ClientPlugin)
	if !ok {
		return nil
	}
	if missing := missingSpecs(cp.ClientOptions(), haveClient); len(missing) > 0 {
		if err := r.store.AddOptions(ctx, store.ScopeClient, p.Name(), missing); err != nil {
			return fmt.Errorf("failed to add client options: %w", err)
		}
	}
	return nil
}

func missingSpecs(specs []api.OptionSpec, have []api.Option) []api.OptionSpec {
	known := make(map[string]bool, len(have))
	for _, opt := range have {
		known[opt.Name] = true
	}
	var out []api.OptionSpec
	for _, spec := range specs {
		if !known[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

// index builds the in-memory action tables; callers hold the mutex
func (r *Registry) index(p api.Plugin) {
	e := &entry{
		plugin:        p,
		actions:       make(map[string]api.Action),
		clientActions: make(map[string]api.ClientAction),
	}
	for _, a := range p.Actions() {
		if _, dup := e.actions[a.Name]; !dup {
			e.actionNames = append(e.actionNames, a.Name)
		}
		e.actions[a.Name] = a
	}
	if cp, ok := p.(api.ClientPlugin); ok {
		for _, a := range cp.ClientActions() {
			if _, dup := e.clientActions[a.Name]; !dup {
				e.clientNames = append(e.clientNames, a.Name)
			}
			e.clientActions[a.Name] = a
		}
	}

	r.entries[p.Name()] = e
	r.order = append(r.order, p.Name())
}

// AddOption appends an option to a plugin schema with the next ordinal
func (r *Registry) AddOption(ctx context.Context, plugin, option string, typ api.OptionType) error {
	return r.store.AddOptions(ctx, store.ScopePlugin, plugin, []api.OptionSpec{{Name: option, Type: typ}})
}

// RemoveOption deletes an option and its value
func (r *Registry) RemoveOption(ctx context.Context, plugin, option string) error {
	return r.store.RemoveOption(ctx, store.ScopePlugin, plugin, option)
}

// AddClientOption appends an option to a plugin's per-client schema
func (r *Registry) AddClientOption(ctx context.Context, plugin, option string, typ api.OptionType) error {
	return r.store.AddOptions(ctx, store.ScopeClient, plugin, []api.OptionSpec{{Name: option, Type: typ}})
}

// RemoveClientOption deletes a per-client option and all its client values
func (r *Registry) RemoveClientOption(ctx context.Context, plugin, option string) error {
	return r.store.RemoveOption(ctx, store.ScopeClient, plugin, option)
}

// Enable persists the enabled state, runs the enable hook and subscribes the plugin.
func (r *Registry) Enable(ctx context.Context, name string) error {
	changed, err := r.setEnabled(ctx, name, true)
	if err != nil {
		return err
	}
	if changed {
		r.announce(api.EventPluginEnabled, name)
	}
	return nil
}

// Disable persists the disabled state, unsubscribes the plugin and runs the disable hook.
func (r *Registry) Disable(ctx context.Context, name string) error {
	changed, err := r.setEnabled(ctx, name, false)
	if err != nil {
		return err
	}
	if changed {
		r.announce(api.EventPluginDisabled, name)
	}
	return nil
}

// SetEnabled enables or disables a plugin
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if enabled {
		return r.Enable(ctx, name)
	}
	return r.Disable(ctx, name)
}

// setEnabled reports whether the persisted state or the bus subscription changed.
func (r *Registry) setEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	rec, err := r.store.GetPlugin(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to read plugin state: %w", err)
	}
	if err := r.store.SetPluginEnabled(ctx, name, enabled); err != nil {
		return false, fmt.Errorf("failed to persist plugin state: %w", err)
	}
	changed := rec.Enabled != enabled

	e, loaded := r.entries[name]
	if !loaded {
		r.logger.Warn("Plugin state changed for a plugin that is not loaded", "plugin", name, "enabled", enabled)
		return changed, nil
	}
	if r.attach(e, enabled) {
		changed = true
	}

	if changed {
		r.logger.Info("Plugin state changed", "plugin", name, "enabled", enabled)
	}
	return changed, nil
}

// attach subscribes or unsubscribes a plugin and runs its lifecycle hook.
// Subscription and hook always come as a matched pair, at most once per state change.
// It reports whether anything was done.
func (r *Registry) attach(e *entry, enabled bool) bool {
	if e.attached == enabled {
		return false
	}
	e.attached = enabled

	name := e.plugin.Name()
	hook, hasHook := e.plugin.(api.LifecycleHook)
	sub, isSub := e.plugin.(api.Subscriber)

	if enabled {
		if hasHook {
			if err := hook.OnEnable(); err != nil {
				r.logger.Error("Plugin enable hook failed", "plugin", name, "error", err)
			}
		}
		if isSub {
			r.bus.Subscribe(sub)
		}
		return true
	}

	if isSub {
		r.bus.Unsubscribe(name)
	}
	if hasHook {
		if err := hook.OnDisable(); err != nil {
			r.logger.Error("Plugin disable hook failed", "plugin", name, "error", err)
		}
	}
	return true
}

func (r *Registry) announce(event, plugin string) {
	if err := r.bus.Broadcast("MCP", event, map[string]interface{}{"plugin": plugin}); err != nil {
		r.logger.Warn("Failed to announce plugin state", "plugin", plugin, "error", err)
	}
}

// Restore subscribes every loaded plugin whose persisted state is enabled.
func (r *Registry) Restore(ctx context.Context) error {
	records, err := r.store.ListPlugins(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plugins: %w", err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, rec := range records {
		e, loaded := r.entries[rec.Name]
		if !loaded || !rec.Enabled {
			continue
		}
		r.attach(e, true)
		r.logger.Debug("Restored enabled plugin", "plugin", rec.Name)
	}
	return nil
}

// IsEnabled reports the persisted enabled state
func (r *Registry) IsEnabled(ctx context.Context, name string) (bool, error) {
	rec, err := r.store.GetPlugin(ctx, name)
	if err != nil {
		return false, err
	}
	return rec.Enabled, nil
}

// ListPlugins returns every persisted plugin, fully materialized, in registration order
func (r *Registry) ListPlugins(ctx context.Context) ([]api.PluginInfo, error) {
	records, err := r.store.ListPlugins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}

	out := make([]api.PluginInfo, 0, len(records))
	for _, rec := range records {
		options, err := r.store.PluginOptions(ctx, rec.Name)
		if err != nil {
			return nil, err
		}
		clientOptions, err := r.store.OptionSchema(ctx, store.ScopeClient, rec.Name)
		if err != nil {
			return nil, err
		}

		info := api.PluginInfo{
			Name:          rec.Name,
			Enabled:       rec.Enabled,
			Options:       options,
			ClientOptions: clientOptions,
			Actions:       []string{},
			ClientActions: []string{},
		}

		r.mutex.RLock()
		if e, ok := r.entries[rec.Name]; ok {
			info.Actions = append(info.Actions, e.actionNames...)
			info.ClientActions = append(info.ClientActions, e.clientNames...)
		}
		r.mutex.RUnlock()

		out = append(out, info)
	}
	return out, nil
}

// GetOptions returns every declared option of a plugin keyed by name.
// Options without a value map to the empty string.
func (r *Registry) GetOptions(ctx context.Context, plugin string) (map[string]string, error) {
	opts, err := r.store.PluginOptions(ctx, plugin)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(opts))
	for _, opt := range opts {
		out[opt.Name] = opt.Value
	}
	return out, nil
}

// GetOrderedOptions returns a plugin's options ordered by ordinal
func (r *Registry) GetOrderedOptions(ctx context.Context, plugin string) ([]api.Option, error) {
	return r.store.PluginOptions(ctx, plugin)
}

// SetOption replaces the value of a plugin option
func (r *Registry) SetOption(ctx context.Context, plugin, option, value string) error {
	return r.store.SetPluginOption(ctx, plugin, option, value)
}

// Plugin returns a loaded plugin by name
func (r *Registry) Plugin(name string) (api.Plugin, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Action looks up a server-wide action
func (r *Registry) Action(plugin, action string) (api.Action, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.entries[plugin]
	if !ok {
		return api.Action{}, fmt.Errorf("plugin %q: %w", plugin, api.ErrNotFound)
	}
	a, ok := e.actions[action]
	if !ok {
		return api.Action{}, fmt.Errorf("action %q of plugin %q: %w", action, plugin, api.ErrNotFound)
	}
	return a, nil
}

// ClientAction looks up a client action
func (r *Registry) ClientAction(plugin, action string) (api.ClientAction, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.entries[plugin]
	if !ok {
		return api.ClientAction{}, fmt.Errorf("plugin %q: %w", plugin, api.ErrNotFound)
	}
	a, ok := e.clientActions[action]
	if !ok {
		return api.ClientAction{}, fmt.Errorf("client action %q of plugin %q: %w", action, plugin, api.ErrNotFound)
	}
	return a, nil
}

// Shutdown calls Shutdown on every loaded plugin in reverse registration order
func (r *Registry) Shutdown() {
	r.mutex.RLock()
	order := append([]string(nil), r.order...)
	r.mutex.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		p, ok := r.Plugin(order[i])
		if !ok {
			continue
		}
		if err := p.Shutdown(); err != nil {
			r.logger.Error("Failed to shutdown plugin", "plugin", order[i], "error", err)
		}
	}
}
