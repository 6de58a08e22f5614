package config

import (
	"fmt"
	"net"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global GlobalConfig `yaml:"global" mapstructure:"global"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Ports  PortsConfig  `yaml:"ports"  mapstructure:"ports"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	// Listen is the address the API binds to, e.g. ":8080".
	Listen string `yaml:"listen" mapstructure:"listen"`
	// AccessToken, when non-empty, is required as a bearer token on
	// every API request.
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
}

// PortsConfig defines the inclusive range of ingress ports the pool
// hands out.
type PortsConfig struct {
	Start uint16 `yaml:"start" mapstructure:"start"`
	End   uint16 `yaml:"end"   mapstructure:"end"`
}

// Size returns the number of ports in the configured range.
func (p PortsConfig) Size() int {
	return int(p.End) - int(p.Start) + 1
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("server.listen", ":8080")
	viperInstance.SetDefault("ports.start", 10000)
	viperInstance.SetDefault("ports.end", 20000)

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	// Validate listen address
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	if host != "" && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid server.listen IP %q", host)
	}
	if port == "" || port == "0" {
		return fmt.Errorf("server.listen port must be a positive number")
	}

	// The pool must stay clear of privileged ports.
	if cfg.Ports.Start < 1024 {
		return fmt.Errorf("ports.start %d must be >= 1024", cfg.Ports.Start)
	}
	if cfg.Ports.End < cfg.Ports.Start {
		return fmt.Errorf("ports.end %d must be >= ports.start %d", cfg.Ports.End, cfg.Ports.Start)
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		previous := m.current
		m.current = cfg
		m.mu.Unlock()

		if previous.Ports != cfg.Ports {
			m.logger.Warn("ports range changed; the pool is sized at startup, restart to apply",
				zap.Uint16("start", cfg.Ports.Start),
				zap.Uint16("end", cfg.Ports.End),
			)
		}
		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
