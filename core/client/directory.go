package client

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/makeict/mcp/api"
)

// Store is the persistence the directory needs
type Store interface {
	UpsertClient(ctx context.Context, clientID int, name string) error
	GetClient(ctx context.Context, clientID int) (api.Client, error)
	ListClients(ctx context.Context) ([]api.Client, error)
	ClientsUsing(ctx context.Context, plugin string) ([]api.Client, error)
	AssociatePlugin(ctx context.Context, clientID int, plugin string) error
	DisassociatePlugin(ctx context.Context, clientID int, plugin string) error
	SetClientOption(ctx context.Context, clientID int, plugin, option, value string) (string, error)
}

// Plugins resolves loaded plugins by name
type Plugins interface {
	Plugin(name string) (api.Plugin, bool)
}

// Directory tracks door controllers, their plugin associations and their
// per-client option values.
type Directory struct {
	store   Store
	plugins Plugins
	logger  api.Logger
}

// NewDirectory creates a new client directory
func NewDirectory(st Store, plugins Plugins, logger api.Logger) *Directory {
	return &Directory{
		store:   st,
		plugins: plugins,
		logger:  logger,
	}
}

// Upsert creates or renames a client
func (d *Directory) Upsert(ctx context.Context, clientID int, name string) error {
	if clientID <= api.HubAddress || clientID >= api.BroadcastAddress {
		return fmt.Errorf("%w: client id %d is reserved or out of range", api.ErrInvalidValue, clientID)
	}
	if err := d.store.UpsertClient(ctx, clientID, name); err != nil {
		return err
	}
	d.logger.Debug("Upserted client", "client", clientID, "name", name)
	return nil
}

// Get returns a client by id
func (d *Directory) Get(ctx context.Context, clientID int) (api.Client, error) {
	return d.store.GetClient(ctx, clientID)
}

// List returns every client ordered by id
func (d *Directory) List(ctx context.Context) ([]api.Client, error) {
	return d.store.ListClients(ctx)
}

// Using returns the clients associated with a plugin
func (d *Directory) Using(ctx context.Context, plugin string) ([]api.Client, error) {
	return d.store.ClientsUsing(ctx, plugin)
}

// Associate marks a client as using a plugin
func (d *Directory) Associate(ctx context.Context, clientID int, plugin string) error {
	if err := d.store.AssociatePlugin(ctx, clientID, plugin); err != nil {
		return err
	}
	d.logger.Info("Client plugin associated", "client", clientID, "plugin", plugin)
	return nil
}

// Disassociate removes a plugin from a client along with that client's option values
func (d *Directory) Disassociate(ctx context.Context, clientID int, plugin string) error {
	if err := d.store.DisassociatePlugin(ctx, clientID, plugin); err != nil {
		return err
	}
	d.logger.Info("Client plugin disassociated", "client", clientID, "plugin", plugin)
	return nil
}

// SetOption replaces a client option value and then notifies the owning plugin
// with the old and new value. A failing notification is logged; the write stands.
func (d *Directory) SetOption(ctx context.Context, clientID int, plugin, option, value string) error {
	old, err := d.store.SetClientOption(ctx, clientID, plugin, option, value)
	if err != nil {
		return err
	}

	d.logger.Debug("Client option updated", "client", clientID, "plugin", plugin, "option", option)

	p, ok := d.plugins.Plugin(plugin)
	if !ok {
		return nil
	}
	cp, ok := p.(api.ClientPlugin)
	if !ok {
		return nil
	}
	d.notify(ctx, cp, clientID, option, old, value)
	return nil
}

func (d *Directory) notify(ctx context.Context, cp api.ClientPlugin, clientID int, option, old, value string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Option update hook panicked",
				"plugin", cp.Name(),
				"client", clientID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	if err := cp.OptionUpdated(ctx, clientID, option, old, value); err != nil {
		d.logger.Error("Option update hook failed",
			"plugin", cp.Name(),
			"client", clientID,
			"option", option,
			"error", err)
	}
}
