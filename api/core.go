package api

import "context"

// CoreAPI is the interface exposed to plugins for interacting with the core
type CoreAPI interface {
	// Event handling
	Broadcast(source, name string, payload map[string]interface{}) error
	EmitEvent(event Event) error

	// Plugin options
	GetOptions(ctx context.Context, plugin string) (map[string]string, error)
	SetOption(ctx context.Context, plugin, option, value string) error

	// Clients
	GetClient(ctx context.Context, clientID int) (Client, error)
	ClientsUsing(ctx context.Context, plugin string) ([]Client, error)

	// Device commands are fire-and-forget
	SendCommand(clientID int, function byte, data []byte)

	// Authorization tags and user directory
	RegisterTag(ctx context.Context, tag, plugin string) error
	DeleteTag(ctx context.Context, tag string) error
	Authorize(ctx context.Context, credential, tag string) (bool, error)

	// Access log
	Audit(ctx context.Context, entry AuditEntry) error

	// Logging
	GetLogger(prefix string) Logger
}
