package action

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/makeict/mcp/api"
)

// Actions resolves indexed plugin actions
type Actions interface {
	Action(plugin, action string) (api.Action, error)
	ClientAction(plugin, action string) (api.ClientAction, error)
}

// Clients resolves clients by id
type Clients interface {
	Get(ctx context.Context, clientID int) (api.Client, error)
}

// Dispatcher runs plugin actions by name. Unknown names fail with
// api.ErrNotFound; errors and panics raised by an action are logged and
// returned as api.ErrActionFailed.
type Dispatcher struct {
	actions Actions
	clients Clients
	logger  api.Logger
}

// NewDispatcher creates a new action dispatcher
func NewDispatcher(actions Actions, clients Clients, logger api.Logger) *Dispatcher {
	return &Dispatcher{
		actions: actions,
		clients: clients,
		logger:  logger,
	}
}

// Dispatch runs a server-wide action
func (d *Dispatcher) Dispatch(ctx context.Context, plugin, action string, out io.Writer) error {
	a, err := d.actions.Action(plugin, action)
	if err != nil {
		return err
	}

	actx := api.ActionContext{Context: ctx, Output: writerOrDiscard(out)}
	return d.run(plugin, action, 0, func() error { return a.Run(actx) })
}

// DispatchClient runs an action against one client. The client must be
// associated with the plugin.
func (d *Dispatcher) DispatchClient(ctx context.Context, plugin string, clientID int, action string, out io.Writer) error {
	a, err := d.actions.ClientAction(plugin, action)
	if err != nil {
		return err
	}

	client, err := d.clients.Get(ctx, clientID)
	if err != nil {
		return err
	}
	if !client.UsesPlugin(plugin) {
		return fmt.Errorf("client %d is not using plugin %q: %w", clientID, plugin, api.ErrNotFound)
	}

	actx := api.ActionContext{Context: ctx, Output: writerOrDiscard(out)}
	return d.run(plugin, action, clientID, func() error { return a.Run(actx, client) })
}

func (d *Dispatcher) run(plugin, action string, clientID int, fn func() error) (err error) {
	logger := d.logger.With("plugin", plugin, "action", action)
	if clientID != 0 {
		logger = logger.With("client", clientID)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Action panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = &api.ActionError{Plugin: plugin, Action: action, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	logger.Info("Running action")
	if runErr := fn(); runErr != nil {
		logger.Error("Action failed", "error", runErr)
		return &api.ActionError{Plugin: plugin, Action: action, Detail: runErr.Error()}
	}
	return nil
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
