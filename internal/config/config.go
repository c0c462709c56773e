// Package config handles darktable-mcp configuration loading.
//
// The bridge runs without any configuration file: [Default] describes a
// bridge that talks to darktable over the D-Bus session bus. A YAML file
// only needs to name the settings it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Remote endpoint identity of a running darktable instance.
const (
	DefaultService   = "org.darktable.service"
	DefaultPath      = "/darktable"
	DefaultInterface = "org.darktable.service.Remote"
	DefaultMethod    = "Lua"
)

// Transport names for [RemoteConfig.Transport].
const (
	TransportDBus      = "dbus"
	TransportWebSocket = "websocket"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./darktable-mcp.yaml,
// ~/.config/darktable-mcp/config.yaml, /etc/darktable-mcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"darktable-mcp.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "darktable-mcp", "config.yaml"))
	}

	paths = append(paths, "/etc/darktable-mcp/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the default locations holds a file.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or an error wrapping [ErrNoConfig].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all darktable-mcp configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// StrictTools makes callTool with an unregistered tool name return an
	// invalid-params error instead of an empty result.
	StrictTools bool `yaml:"strict_tools"`

	// StrictMethods makes requests with an unrecognized method (and an id)
	// return a method-not-found error instead of no response at all.
	StrictMethods bool `yaml:"strict_methods"`

	Remote  RemoteConfig  `yaml:"remote"`
	Journal JournalConfig `yaml:"journal"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// RemoteConfig describes how to reach darktable's scripting interface.
type RemoteConfig struct {
	// Transport selects the channel implementation: "dbus" (default) or
	// "websocket" for a darktable instance reached through a socket relay.
	Transport string `yaml:"transport"`

	// Bus is the D-Bus bus to connect to: "session" (default) or "system".
	Bus string `yaml:"bus"`

	Service   string `yaml:"service"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Method    string `yaml:"method"`

	// CallTimeout bounds every remote invocation. An unresponsive
	// darktable would otherwise hang the session forever.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// WebSocketURL is the relay address, required for the websocket transport.
	WebSocketURL string `yaml:"websocket_url"`

	Connect ConnectConfig `yaml:"connect"`

	// WatchInterval enables background health polling of the endpoint
	// when positive.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// ConnectConfig controls the startup connection attempts.
type ConnectConfig struct {
	// MaxRetries is the number of connection attempts. 1 means a single
	// attempt: startup fails immediately if darktable is not running.
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// JournalConfig defines the optional SQLite journal of remote calls.
type JournalConfig struct {
	// Path is the database file. Empty disables the journal. A leading
	// "~/" is expanded to the user's home directory.
	Path string `yaml:"path"`
}

// Enabled reports whether the journal is configured.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Default returns the zero-configuration settings: D-Bus session bus,
// darktable's well-known endpoint, a 60 second call timeout, a single
// connection attempt, and no journal or MQTT.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Remote: RemoteConfig{
			Transport:   TransportDBus,
			Bus:         "session",
			Service:     DefaultService,
			Path:        DefaultPath,
			Interface:   DefaultInterface,
			Method:      DefaultMethod,
			CallTimeout: 60 * time.Second,
			Connect: ConnectConfig{
				MaxRetries:   1,
				InitialDelay: 2 * time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			TopicPrefix: "darktable-mcp",
		},
	}
}

// Load reads configuration from a YAML file. Environment variables in
// the file (${VAR}) are expanded before parsing, and values the file
// does not set keep their [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Journal.Path = expandHome(cfg.Journal.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	r := c.Remote
	switch r.Transport {
	case TransportDBus:
		if r.Bus != "session" && r.Bus != "system" {
			return fmt.Errorf("unknown remote.bus %q (valid: session, system)", r.Bus)
		}
		if r.Service == "" || r.Path == "" || r.Interface == "" || r.Method == "" {
			return errors.New("remote.service, remote.path, remote.interface and remote.method must be set")
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("remote.path %q must be an absolute object path", r.Path)
		}
	case TransportWebSocket:
		if r.WebSocketURL == "" {
			return errors.New("remote.websocket_url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown remote.transport %q (valid: dbus, websocket)", r.Transport)
	}
	if r.CallTimeout <= 0 {
		return fmt.Errorf("remote.call_timeout must be positive, got %s", r.CallTimeout)
	}
	if r.Connect.MaxRetries < 1 {
		return fmt.Errorf("remote.connect.max_retries must be at least 1, got %d", r.Connect.MaxRetries)
	}
	if r.WatchInterval < 0 {
		return fmt.Errorf("remote.watch_interval must not be negative, got %s", r.WatchInterval)
	}
	return nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
