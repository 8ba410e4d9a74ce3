package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/makeict/mcp/api"
	"github.com/makeict/mcp/core/action"
	"github.com/makeict/mcp/core/client"
	"github.com/makeict/mcp/core/config"
	"github.com/makeict/mcp/core/configwatcher"
	"github.com/makeict/mcp/core/eventbus"
	"github.com/makeict/mcp/core/httpapi"
	"github.com/makeict/mcp/core/plugin"
	"github.com/makeict/mcp/core/serial"
	"github.com/makeict/mcp/core/store"
	"golang.org/x/sync/errgroup"
)

// SerialSource is the event source of frames received from door controllers
const SerialSource = "Super Serial"

// Daemon owns every component of the control program and is the CoreAPI
// handed to plugins
type Daemon struct {
	configPath string
	config     *config.Config
	logger     api.Logger
	store      *store.Store
	eventBus   *eventbus.EventBus
	registry   *plugin.Registry
	clients    *client.Directory
	actions    *action.Dispatcher
	loader     *plugin.Loader
	link       *serial.Link
	hub        *httpapi.Hub
	server     *httpapi.Server
	builtins   []api.Plugin
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewDaemon creates a new daemon instance
func NewDaemon(configPath string, builtins []api.Plugin) (*Daemon, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := api.SetupLogging(os.Stderr, cfg.Core.LogLevel, cfg.Core.LogFormat); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := api.NewLogger("core")

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	daemon := &Daemon{
		configPath: configPath,
		config:     cfg,
		logger:     logger,
		store:      st,
		builtins:   builtins,
		ctx:        ctx,
		cancel:     cancel,
	}

	// Initialize components
	daemon.eventBus = eventbus.NewEventBus(cfg.Core.SocketPath, api.NewLogger("eventbus"))
	daemon.registry = plugin.NewRegistry(st, daemon.eventBus, api.NewLogger("plugin"))
	daemon.clients = client.NewDirectory(st, daemon.registry, api.NewLogger("client"))
	daemon.actions = action.NewDispatcher(daemon.registry, daemon.clients, api.NewLogger("action"))
	daemon.loader = plugin.NewLoader(cfg.Core.PluginDir, api.NewLogger("plugin"), daemon)
	daemon.link = serial.NewLink(nil, api.NewLogger("serial"))
	daemon.hub = httpapi.NewHub(api.NewLogger("websocket"))
	daemon.server = httpapi.NewServer(httpapi.Deps{
		Plugins: daemon.registry,
		Clients: daemon.clients,
		Actions: daemon.actions,
		Records: st,
		Hub:     daemon.hub,
	}, api.NewLogger("http"))

	return daemon, nil
}

// Start starts the daemon and blocks until it is told to stop
func (d *Daemon) Start() error {
	d.logger.Info("Starting Master Control Program")

	// Check and create PID file
	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer d.removePIDFile()

	if err := d.setup(d.ctx); err != nil {
		d.teardown()
		return err
	}
	defer d.teardown()

	d.logger.Info("Master Control Program started")
	err := d.run()
	d.logger.Info("Master Control Program shutting down")
	return err
}

// setup brings every component up without starting the run loops
func (d *Daemon) setup(ctx context.Context) error {
	// Start event bus
	if err := d.eventBus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	// Open the controller bus before plugins can send commands
	if d.config.Serial.Device != "" {
		port, err := serial.OpenPort(d.config.Serial.Device, d.config.Serial.BaudRate)
		if err != nil {
			return err
		}
		d.link = serial.NewLink(port, api.NewLogger("serial"))
	} else {
		d.logger.Warn("No serial device configured, door commands will be dropped")
	}

	// Load and install plugins
	for _, p := range d.loader.LoadAll(d.builtins) {
		if err := d.registry.Install(ctx, p); err != nil {
			d.logger.Error("Failed to install plugin", "plugin", p.Name(), "error", err)
		}
	}

	d.eventBus.Subscribe(d.hub)

	if err := d.registry.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore plugin state: %w", err)
	}

	d.applyConfiguration(ctx, d.config)
	return nil
}

// teardown releases everything setup acquired, in reverse order
func (d *Daemon) teardown() {
	d.registry.Shutdown()
	if err := d.eventBus.Stop(); err != nil {
		d.logger.Error("Failed to stop event bus", "error", err)
	}
	if err := d.link.Close(); err != nil {
		d.logger.Error("Failed to close serial device", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("Failed to close database", "error", err)
	}
}

// run supervises the run loops until a signal arrives or one of them fails
func (d *Daemon) run() error {
	g, ctx := errgroup.WithContext(d.ctx)

	g.Go(func() error {
		return d.link.Run(ctx, func(f *serial.Frame) {
			if err := d.eventBus.Broadcast(SerialSource, api.EventSerialDataReceived, f.EventPayload()); err != nil {
				d.logger.Error("Failed to broadcast frame", "error", err)
			}
		})
	})

	g.Go(func() error { return d.hub.Run(ctx) })

	if addr := d.config.HTTP.Address; addr != "" {
		g.Go(func() error { return d.server.ListenAndServe(ctx, addr) })
	}

	if d.config.Core.WatchConfig {
		watcher, err := configwatcher.NewConfigWatcher(d.configPath, d.config, api.NewLogger("config"), d.reload)
		if err != nil {
			d.cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error {
		d.waitForShutdown(ctx)
		return nil
	})

	return g.Wait()
}

// applyConfiguration writes configured plugin options, seeds clients and
// applies configured plugin states. Failures are logged per item.
func (d *Daemon) applyConfiguration(ctx context.Context, cfg *config.Config) {
	for name := range cfg.Plugins {
		for option, value := range cfg.PluginOptions(name) {
			if err := d.registry.SetOption(ctx, name, option, value); err != nil {
				d.logger.Error("Failed to apply plugin option", "plugin", name, "option", option, "error", err)
			}
		}
	}

	for _, cc := range cfg.Clients {
		logger := d.logger.With("client", cc.ID)
		if err := d.clients.Upsert(ctx, cc.ID, cc.Name); err != nil {
			logger.Error("Failed to seed client", "error", err)
			continue
		}
		for _, name := range cc.Plugins {
			if err := d.clients.Associate(ctx, cc.ID, name); err != nil {
				logger.Error("Failed to associate plugin", "plugin", name, "error", err)
			}
		}
		for name := range cc.Options {
			for option, value := range cc.ClientOptions(name) {
				if err := d.clients.SetOption(ctx, cc.ID, name, option, value); err != nil {
					logger.Error("Failed to apply client option", "plugin", name, "option", option, "error", err)
				}
			}
		}
	}

	d.applyPluginStates(ctx, cfg)
}

// applyPluginStates enables or disables plugins whose configured state
// differs from the persisted one
func (d *Daemon) applyPluginStates(ctx context.Context, cfg *config.Config) {
	for name := range cfg.Plugins {
		want, configured := cfg.IsPluginEnabled(name)
		if !configured {
			continue
		}
		have, err := d.registry.IsEnabled(ctx, name)
		if err != nil {
			d.logger.Error("Failed to read plugin state", "plugin", name, "error", err)
			continue
		}
		if have == want {
			continue
		}
		if err := d.registry.SetEnabled(ctx, name, want); err != nil {
			d.logger.Error("Failed to apply plugin state", "plugin", name, "error", err)
		}
	}
}

// reload applies the parts of a changed configuration that take effect live
func (d *Daemon) reload(cfg *config.Config) {
	if err := api.SetLogLevel(cfg.Core.LogLevel); err != nil {
		d.logger.Error("Failed to apply log level", "error", err)
	}
	d.applyPluginStates(d.ctx, cfg)
}

// createPIDFile creates a PID file
func (d *Daemon) createPIDFile() error {
	if d.config.Core.PIDFile == "" {
		return nil
	}

	// Check if PID file already exists
	if data, err := os.ReadFile(d.config.Core.PIDFile); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			// Check if process is running
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("daemon is already running with PID %d", pid)
				}
			}
		}
	}

	// Write current PID
	pid := os.Getpid()
	if err := os.WriteFile(d.config.Core.PIDFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Debug("Created PID file", "path", d.config.Core.PIDFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file
func (d *Daemon) removePIDFile() {
	if d.config.Core.PIDFile != "" {
		if err := os.Remove(d.config.Core.PIDFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("Failed to remove PID file", "path", d.config.Core.PIDFile, "error", err)
		}
	}
}

// waitForShutdown waits for a shutdown signal
func (d *Daemon) waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		d.logger.Info("Context cancelled")
	}

	d.cancel()
}

// Stop asks a running daemon to shut down
func (d *Daemon) Stop() {
	d.cancel()
}

// CoreAPI implementation

func (d *Daemon) Broadcast(source, name string, payload map[string]interface{}) error {
	return d.eventBus.Broadcast(source, name, payload)
}

func (d *Daemon) EmitEvent(event api.Event) error {
	return d.eventBus.EmitEvent(event)
}

func (d *Daemon) GetOptions(ctx context.Context, plugin string) (map[string]string, error) {
	return d.registry.GetOptions(ctx, plugin)
}

func (d *Daemon) SetOption(ctx context.Context, plugin, option, value string) error {
	return d.registry.SetOption(ctx, plugin, option, value)
}

func (d *Daemon) GetClient(ctx context.Context, clientID int) (api.Client, error) {
	return d.clients.Get(ctx, clientID)
}

func (d *Daemon) ClientsUsing(ctx context.Context, plugin string) ([]api.Client, error) {
	return d.clients.Using(ctx, plugin)
}

func (d *Daemon) SendCommand(clientID int, function byte, data []byte) {
	d.link.Send(clientID, function, data)
}

func (d *Daemon) RegisterTag(ctx context.Context, tag, plugin string) error {
	return d.store.RegisterTag(ctx, tag, plugin)
}

func (d *Daemon) DeleteTag(ctx context.Context, tag string) error {
	return d.store.DeleteTag(ctx, tag)
}

// Authorize reports whether an active user holding credential has been granted tag
func (d *Daemon) Authorize(ctx context.Context, credential, tag string) (bool, error) {
	_, granted, err := d.store.CredentialHasTag(ctx, credential, tag)
	return granted, err
}

func (d *Daemon) Audit(ctx context.Context, entry api.AuditEntry) error {
	return d.store.AppendAudit(ctx, entry)
}

func (d *Daemon) GetLogger(prefix string) api.Logger {
	return api.NewLogger(prefix)
}
