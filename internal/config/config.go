package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingListenPort   = errors.New("listen port is required")
	ErrMissingBackendHost  = errors.New("backend host is required")
	ErrMissingBackendPort  = errors.New("backend port is required")
	ErrInvalidBufferSize   = errors.New("relay buffer size must be positive")
	ErrPortOutOfRange      = errors.New("port out of range")
	defaultBufferSize      = 32 * 1024
	defaultResolveDuration = 5 * time.Second
)

type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type BackendConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

type RelayConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the settings used for anything a config file or flag
// leaves unset. Listen port and backend are deliberately left empty.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{ResolveTimeout: defaultResolveDuration},
		Relay:   RelayConfig{BufferSize: defaultBufferSize},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

func (c *Config) BackendAddr() string {
	return fmt.Sprintf("%s:%d", c.Backend.Host, c.Backend.Port)
}

// Validate checks the inputs the relay cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port == 0 {
		errs = append(errs, ErrMissingListenPort)
	} else if !validPort(c.Listen.Port) {
		errs = append(errs, fmt.Errorf("listen port %d: %w", c.Listen.Port, ErrPortOutOfRange))
	}
	if c.Backend.Host == "" {
		errs = append(errs, ErrMissingBackendHost)
	}
	if c.Backend.Port == 0 {
		errs = append(errs, ErrMissingBackendPort)
	} else if !validPort(c.Backend.Port) {
		errs = append(errs, fmt.Errorf("backend port %d: %w", c.Backend.Port, ErrPortOutOfRange))
	}
	if c.Relay.BufferSize <= 0 {
		errs = append(errs, ErrInvalidBufferSize)
	}
	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
