package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"

	"github.com/makeict/mcp/api"
)

// Loader initializes compiled-in plugins and Go plugins (.so) from a trusted directory
type Loader struct {
	pluginDir string
	logger    api.Logger
	coreAPI   api.CoreAPI
	open      func(path string) (api.Plugin, error)
}

// NewLoader creates a new plugin loader
func NewLoader(pluginDir string, logger api.Logger, coreAPI api.CoreAPI) *Loader {
	return &Loader{
		pluginDir: pluginDir,
		logger:    logger,
		coreAPI:   coreAPI,
		open:      openSharedObject,
	}
}

// LoadAll initializes the builtin plugins followed by every .so file in the
// plugin directory. Plugins that fail to load or initialize are logged and skipped,
// as are names that were already loaded.
func (l *Loader) LoadAll(builtins []api.Plugin) []api.Plugin {
	loaded := make([]api.Plugin, 0, len(builtins))
	seen := make(map[string]bool)

	add := func(p api.Plugin, origin string) {
		name := p.Name()
		if seen[name] {
			l.logger.Error("Plugin name already loaded", "plugin", name, "origin", origin)
			return
		}
		if err := p.Initialize(l.coreAPI); err != nil {
			l.logger.Error("Failed to initialize plugin", "plugin", name, "origin", origin, "error", err)
			return
		}
		seen[name] = true
		loaded = append(loaded, p)
		l.logger.Info("Loaded plugin", "plugin", name, "origin", origin)
	}

	for _, p := range builtins {
		add(p, "builtin")
	}

	for _, path := range l.sharedObjects() {
		p, err := l.open(path)
		if err != nil {
			l.logger.Error("Failed to load plugin", "path", path, "error", err)
			continue
		}
		add(p, path)
	}

	l.logger.Info("Loaded plugins", "count", len(loaded))
	return loaded
}

func (l *Loader) sharedObjects() []string {
	if l.pluginDir == "" {
		return nil
	}
	entries, err := os.ReadDir(l.pluginDir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Error("Failed to read plugin directory", "dir", l.pluginDir, "error", err)
		} else {
			l.logger.Debug("Plugin directory does not exist", "dir", l.pluginDir)
		}
		return nil
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".so") {
			paths = append(paths, filepath.Join(l.pluginDir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

// openSharedObject opens a Go plugin exporting `func NewPlugin() api.Plugin`
func openSharedObject(path string) (api.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin: %w", err)
	}

	sym, err := p.Lookup("NewPlugin")
	if err != nil {
		return nil, fmt.Errorf("plugin does not export NewPlugin function: %w", err)
	}

	newPlugin, ok := sym.(func() api.Plugin)
	if !ok {
		return nil, fmt.Errorf("NewPlugin is not a valid function")
	}
	return newPlugin(), nil
}
