package api

import "context"

// Plugin is the main interface that all plugins must implement
type Plugin interface {
	// Name is the globally unique plugin name
	Name() string

	// Options returns the plugin option schema in display order
	Options() []OptionSpec

	// Actions returns the server-wide actions provided by this plugin
	Actions() []Action

	// Initialize is called once, before the plugin is registered
	Initialize(core CoreAPI) error

	// Shutdown is called when the daemon stops
	Shutdown() error
}

// ClientPlugin is implemented by plugins that carry per-client configuration.
type ClientPlugin interface {
	Plugin

	ClientOptions() []OptionSpec
	ClientActions() []ClientAction

	// OptionUpdated is called after a client option value was replaced
	OptionUpdated(ctx context.Context, clientID int, option, oldValue, newValue string) error
}

// Subscriber receives every broadcast event while subscribed.
type Subscriber interface {
	Name() string
	HandleEvent(event Event) error
}

// LifecycleHook is implemented by plugins that react to being enabled or disabled.
type LifecycleHook interface {
	OnEnable() error
	OnDisable() error
}
