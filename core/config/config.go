package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/makeict/mcp/api"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MCP_CORE_LOG_LEVEL
const EnvPrefix = "MCP_"

// Config represents the main configuration structure
type Config struct {
	Core     CoreConfig              `toml:"core" yaml:"core"`
	Database DatabaseConfig          `toml:"database" yaml:"database"`
	Serial   SerialConfig            `toml:"serial" yaml:"serial"`
	HTTP     HTTPConfig              `toml:"http" yaml:"http"`
	Plugins  map[string]PluginConfig `toml:"plugins" yaml:"plugins"`
	Clients  []ClientConfig          `toml:"client" yaml:"client"`
	Include  []IncludeConfig         `toml:"include" yaml:"include"`

	files []string
}

// CoreConfig contains core daemon configuration
type CoreConfig struct {
	SocketPath  string `toml:"socket_path" yaml:"socket_path" env:"SOCKET_PATH"`
	PluginDir   string `toml:"plugin_dir" yaml:"plugin_dir" env:"PLUGIN_DIR"`
	LogLevel    string `toml:"log_level" yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `toml:"log_format" yaml:"log_format" env:"LOG_FORMAT"`
	PIDFile     string `toml:"pid_file" yaml:"pid_file" env:"PID_FILE"`
	WatchConfig bool   `toml:"watch_config" yaml:"watch_config" env:"WATCH_CONFIG"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `toml:"path" yaml:"path" env:"PATH"`
}

// SerialConfig selects the door controller bus. An empty device disables it.
type SerialConfig struct {
	Device   string `toml:"device" yaml:"device" env:"DEVICE"`
	BaudRate int    `toml:"baud_rate" yaml:"baud_rate" env:"BAUD_RATE"`
}

// HTTPConfig configures the admin API listener. An empty address disables it.
type HTTPConfig struct {
	Address string `toml:"address" yaml:"address" env:"ADDRESS"`
}

// PluginConfig overrides persisted plugin state at startup.
// A nil Enabled leaves the persisted state alone.
type PluginConfig struct {
	Enabled *bool                  `toml:"enabled" yaml:"enabled"`
	Options map[string]interface{} `toml:"options" yaml:"options"`
}

// ClientConfig seeds a door controller and its plugin associations
type ClientConfig struct {
	ID      int                               `toml:"id" yaml:"id"`
	Name    string                            `toml:"name" yaml:"name"`
	Plugins []string                          `toml:"plugins" yaml:"plugins"`
	Options map[string]map[string]interface{} `toml:"options" yaml:"options"`
}

// IncludeConfig specifies additional configuration files to include
type IncludeConfig struct {
	Files []string `toml:"files" yaml:"files"`
}

// envSections holds the sections that accept environment overrides
type envSections struct {
	Core     CoreConfig     `envPrefix:"CORE_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Serial   SerialConfig   `envPrefix:"SERIAL_"`
	HTTP     HTTPConfig     `envPrefix:"HTTP_"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			SocketPath: "/var/run/mcp.sock",
			PluginDir:  "/usr/lib/mcp/plugins",
			LogLevel:   "info",
			LogFormat:  "console",
			PIDFile:    "/var/run/mcp.pid",
		},
		Database: DatabaseConfig{
			Path: "/var/lib/mcp/mcp.db",
		},
		Serial: SerialConfig{
			BaudRate: 9600,
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1:8080",
		},
		Plugins: make(map[string]PluginConfig),
	}
}

// LoadConfig loads configuration from the specified file, its includes and
// the environment, in that order of precedence from lowest to highest
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load main config file
	if err := loadConfigFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to load main config: %w", err)
	}

	// Load included files
	baseDir := filepath.Dir(configPath)
	for i := 0; i < len(config.Include); i++ {
		for _, pattern := range config.Include[i].Files {
			fullPattern := pattern
			if !filepath.IsAbs(pattern) {
				fullPattern = filepath.Join(baseDir, pattern)
			}
			matches, err := filepath.Glob(fullPattern)
			if err != nil {
				return nil, fmt.Errorf("failed to glob pattern %s: %w", fullPattern, err)
			}
			sort.Strings(matches)

			for _, match := range matches {
				if config.loaded(match) {
					continue
				}
				if err := loadConfigFile(match, config); err != nil {
					return nil, fmt.Errorf("failed to load included config %s: %w", match, err)
				}
			}
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile loads a single TOML or YAML file and merges it into the existing config
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist: %s", path)
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var tempConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tempConfig); err != nil {
			return fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), &tempConfig); err != nil {
			return fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	mergeConfigs(config, &tempConfig)
	config.files = append(config.files, path)
	return nil
}

// mergeConfigs merges tempConfig into config
func mergeConfigs(config, tempConfig *Config) {
	// Core values (tempConfig takes precedence for non-empty values)
	if tempConfig.Core.SocketPath != "" {
		config.Core.SocketPath = tempConfig.Core.SocketPath
	}
	if tempConfig.Core.PluginDir != "" {
		config.Core.PluginDir = tempConfig.Core.PluginDir
	}
	if tempConfig.Core.LogLevel != "" {
		config.Core.LogLevel = tempConfig.Core.LogLevel
	}
	if tempConfig.Core.LogFormat != "" {
		config.Core.LogFormat = tempConfig.Core.LogFormat
	}
	if tempConfig.Core.PIDFile != "" {
		config.Core.PIDFile = tempConfig.Core.PIDFile
	}
	if tempConfig.Core.WatchConfig {
		config.Core.WatchConfig = true
	}

	if tempConfig.Database.Path != "" {
		config.Database.Path = tempConfig.Database.Path
	}
	if tempConfig.Serial.Device != "" {
		config.Serial.Device = tempConfig.Serial.Device
	}
	if tempConfig.Serial.BaudRate != 0 {
		config.Serial.BaudRate = tempConfig.Serial.BaudRate
	}
	if tempConfig.HTTP.Address != "" {
		config.HTTP.Address = tempConfig.HTTP.Address
	}

	// Plugin sections merge field by field
	for name, incoming := range tempConfig.Plugins {
		current := config.Plugins[name]
		if incoming.Enabled != nil {
			current.Enabled = incoming.Enabled
		}
		if len(incoming.Options) > 0 && current.Options == nil {
			current.Options = make(map[string]interface{})
		}
		for k, v := range incoming.Options {
			current.Options[k] = v
		}
		config.Plugins[name] = current
	}

	config.Clients = append(config.Clients, tempConfig.Clients...)
	config.Include = append(config.Include, tempConfig.Include...)
}

func applyEnv(config *Config) error {
	sections := envSections{
		Core:     config.Core,
		Database: config.Database,
		Serial:   config.Serial,
		HTTP:     config.HTTP,
	}
	if err := env.ParseWithOptions(&sections, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	config.Core = sections.Core
	config.Database = sections.Database
	config.Serial = sections.Serial
	config.HTTP = sections.HTTP
	return nil
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	switch strings.ToLower(c.Core.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Core.LogLevel)
	}
	switch strings.ToLower(c.Core.LogFormat) {
	case "", "console", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.Core.LogFormat)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Serial.Device != "" && c.Serial.BaudRate <= 0 {
		return fmt.Errorf("invalid baud_rate %d", c.Serial.BaudRate)
	}

	seen := make(map[int]bool)
	for _, client := range c.Clients {
		if client.ID <= api.HubAddress || client.ID >= api.BroadcastAddress {
			return fmt.Errorf("client id %d out of range", client.ID)
		}
		if seen[client.ID] {
			return fmt.Errorf("client id %d configured twice", client.ID)
		}
		seen[client.ID] = true
	}
	return nil
}

// Files returns every file that contributed to the configuration, main file first
func (c *Config) Files() []string {
	return append([]string(nil), c.files...)
}

func (c *Config) loaded(path string) bool {
	for _, f := range c.files {
		if filepath.Clean(f) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

// IsPluginEnabled reports the configured state of a plugin and whether one is configured
func (c *Config) IsPluginEnabled(name string) (enabled, configured bool) {
	pluginConfig, exists := c.Plugins[name]
	if !exists || pluginConfig.Enabled == nil {
		return false, false
	}
	return *pluginConfig.Enabled, true
}

// PluginOptions returns the configured option values of a plugin as strings
func (c *Config) PluginOptions(name string) map[string]string {
	return stringify(c.Plugins[name].Options)
}

// ClientOptions returns the configured option values of a client for one plugin
func (cc ClientConfig) ClientOptions(plugin string) map[string]string {
	return stringify(cc.Options[plugin])
}

func stringify(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = fmt.Sprint(v)
	}
	return out
}
