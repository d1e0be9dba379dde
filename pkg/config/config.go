// Package config loads and persists the client configuration: where the
// Prizm server lives, how this client identifies itself, and the engine
// tunables. The file is YAML under the user config directory and every
// field has a default, so a missing file yields a working configuration.
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

const (
	defaultHost = "127.0.0.1"
	defaultPort = "4127"

	// DefaultScope is the scope new clients request when none is configured.
	DefaultScope = "default"
)

// ErrEmptyPath indicates no config path could be determined.
var ErrEmptyPath = errors.New("config: empty path")

// Server locates the backend.
type Server struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// Client describes how this client registers itself.
type Client struct {
	Name            string   `yaml:"name"`
	AutoRegister    bool     `yaml:"auto_register"`
	RequestedScopes []string `yaml:"requested_scopes,omitempty"`
}

// Tray holds the desktop tray preferences. The engine never acts on them;
// they are persisted here so the desktop shell and this module share one
// config file.
type Tray struct {
	Enabled          bool `yaml:"enabled"`
	MinimizeToTray   bool `yaml:"minimize_to_tray"`
	ShowNotification bool `yaml:"show_notification"`
}

// Engine carries the streaming engine tunables.
type Engine struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

// Config is the persisted client configuration.
type Config struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
	APIKey string `yaml:"api_key,omitempty"`
	Tray   Tray   `yaml:"tray"`
	Engine Engine `yaml:"engine"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Server: Server{Host: defaultHost, Port: defaultPort},
		Client: Client{
			Name:            "Prizm Client",
			AutoRegister:    true,
			RequestedScopes: []string{DefaultScope},
		},
		Tray: Tray{
			Enabled:          true,
			MinimizeToTray:   true,
			ShowNotification: true,
		},
		Engine: Engine{
			StaleThreshold: 30 * time.Second,
			StopGrace:      3 * time.Second,
		},
	}
}

// Path returns the default config file location under the user config dir.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate config dir: %w", err)
	}
	return filepath.Join(dir, "prizm-client", "config.yaml"), nil
}

// Load reads the configuration at path. A missing file returns defaults;
// fields absent from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, ErrEmptyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ServerURL joins host and port into the base URL form the backend expects.
func (c Config) ServerURL() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// Scope returns the first requested scope, falling back to DefaultScope.
func (c Config) Scope() string {
	if len(c.Client.RequestedScopes) > 0 && c.Client.RequestedScopes[0] != "" {
		return c.Client.RequestedScopes[0]
	}
	return DefaultScope
}

// SetServerURL splits a server URL into host and port, tolerating http,
// https, ws and wss prefixes. A missing port falls back to the default.
func (c *Config) SetServerURL(url string) {
	host, port := SplitHostPort(url)
	c.Server.Host = host
	c.Server.Port = port
}

// SplitHostPort extracts host and port from a server URL.
func SplitHostPort(url string) (host, port string) {
	clean := url
	for _, prefix := range []string{"http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(clean, prefix) {
			clean = strings.TrimPrefix(clean, prefix)
			break
		}
	}
	clean = strings.TrimSuffix(clean, "/")
	if i := strings.LastIndex(clean, ":"); i >= 0 {
		return clean[:i], clean[i+1:]
	}
	return clean, defaultPort
}

func (c *Config) fillDefaults() {
	def := Default()
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = def.Server.Host
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		c.Server.Port = def.Server.Port
	}
	if strings.TrimSpace(c.Client.Name) == "" {
		c.Client.Name = def.Client.Name
	}
	if len(c.Client.RequestedScopes) == 0 {
		c.Client.RequestedScopes = def.Client.RequestedScopes
	}
	if c.Engine.StaleThreshold <= 0 {
		c.Engine.StaleThreshold = def.Engine.StaleThreshold
	}
	if c.Engine.StopGrace <= 0 {
		c.Engine.StopGrace = def.Engine.StopGrace
	}
}
