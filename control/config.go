// control/config.go
// Author: momentics <momentics@gmail.com>
//
// YAML listener configuration and a thread-safe store with hot-reload
// propagation.

package control

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/codec"
)

// Listener kinds.
const (
	KindTCP       = "tcp"
	KindUDP       = "udp"
	KindWebSocket = "websocket"
	KindFile      = "file"
)

// CaptureConfig enables recording of received buffers.
type CaptureConfig struct {
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

// ListenerConfig describes one bound endpoint and its connection family.
type ListenerConfig struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"`
	Addr           string            `yaml:"addr"`
	Path           string            `yaml:"path,omitempty"`
	Role           string            `yaml:"role"`
	Codec          string            `yaml:"codec"`
	MaxConnections int               `yaml:"max_connections"`
	CloseTimeout   time.Duration     `yaml:"close_timeout"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout,omitempty"`
	Aliases        map[string]string `yaml:"aliases,omitempty"`
	AllowUnknown   bool              `yaml:"allow_unknown"`
	Capture        *CaptureConfig    `yaml:"capture,omitempty"`
	AcceptRate     float64           `yaml:"accept_rate"`
	Text           bool              `yaml:"text"`
}

// Config is the root configuration document.
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Listeners []ListenerConfig `yaml:"listeners"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "malformed config").WithContext("cause", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, not only the first.
func (c *Config) Validate() error {
	var errs error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, err)
	}
	seen := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		where := fmt.Sprintf("listener %d (%s)", i, l.Name)
		if l.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: name is required", where, api.ErrInvalidArgument))
		} else if seen[l.Name] {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: duplicate name", where, api.ErrInvalidArgument))
		}
		seen[l.Name] = true
		switch l.Kind {
		case KindTCP, KindUDP, KindWebSocket:
			if l.Addr == "" {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w: addr is required", where, api.ErrInvalidArgument))
			}
		case KindFile:
			if l.Addr == "" {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w: addr must name a capture file", where, api.ErrInvalidArgument))
			}
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: unknown kind %q", where, api.ErrInvalidArgument, l.Kind))
		}
		role, err := api.ParseRole(l.Role)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", where, err))
		} else if role == api.RoleClient {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: listeners cannot take the client role", where, api.ErrInvalidArgument))
		}
		if _, err := codec.New(l.Codec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if l.MaxConnections < 0 || l.CloseTimeout < 0 || l.IdleTimeout < 0 || l.AcceptRate < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: negative limit", where, api.ErrInvalidArgument))
		}
		if l.Capture != nil && l.Capture.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w: capture path is required", where, api.ErrInvalidArgument))
		}
	}
	return errs
}

// Listener returns the listener config by name.
func (c *Config) Listener(name string) (ListenerConfig, bool) {
	for _, l := range c.Listeners {
		if l.Name == name {
			return l, true
		}
	}
	return ListenerConfig{}, false
}

// ParseLevel maps a config log level to slog; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q", api.ErrInvalidArgument, s)
}

// ConfigStore holds the live configuration and notifies reload listeners.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store with cfg (which may be nil).
func NewConfigStore(cfg *Config) *ConfigStore {
	if cfg == nil {
		cfg = &Config{}
	}
	return &ConfigStore{config: cfg}
}

// GetSnapshot returns the current configuration. Callers must not mutate it.
func (cs *ConfigStore) GetSnapshot() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// SetConfig validates and installs cfg, then runs reload listeners
// synchronously in registration order.
func (cs *ConfigStore) SetConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.config = cfg
	fns := append([]func(*Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
