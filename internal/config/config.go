// Package config loads the optional git2p configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// Config is the complete git2p configuration.
type Config struct {
	Listen    []string        `yaml:"listen"`
	Peers     []string        `yaml:"peers"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Sync      SyncConfig      `yaml:"sync"`
	Watch     WatchConfig     `yaml:"watch"`
	Log       LogConfig       `yaml:"log"`
}

// DiscoveryConfig configures LAN discovery.
type DiscoveryConfig struct {
	MDNS     bool          `yaml:"mdns"`
	Interval time.Duration `yaml:"interval"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	AutoFetch      bool          `yaml:"auto_fetch"`
	AutoPull       bool          `yaml:"auto_pull"`
	HelloTimeout   time.Duration `yaml:"hello_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RedialInterval time.Duration `yaml:"redial_interval"`
	MaxWalkDepth   int           `yaml:"max_walk_depth"`
}

// WatchConfig configures automatic commits.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{
		Sync: SyncConfig{AutoFetch: true},
	}
	c.applyDefaults()
	return c
}

// Load reads and parses the configuration file at path. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) expandEnv() {
	for i := range c.Listen {
		c.Listen[i] = os.ExpandEnv(c.Listen[i])
	}
	for i := range c.Peers {
		c.Peers[i] = os.ExpandEnv(c.Peers[i])
	}
	c.Log.Level = os.ExpandEnv(c.Log.Level)
	c.Log.Format = os.ExpandEnv(c.Log.Format)
}

// applyDefaults fills in zero-value fields.
func (c *Config) applyDefaults() {
	if len(c.Listen) == 0 {
		c.Listen = []string{"/ip4/0.0.0.0/tcp/4001"}
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = time.Minute
	}
	if c.Sync.HelloTimeout == 0 {
		c.Sync.HelloTimeout = 10 * time.Second
	}
	if c.Sync.DialTimeout == 0 {
		c.Sync.DialTimeout = 10 * time.Second
	}
	if c.Sync.RedialInterval == 0 {
		c.Sync.RedialInterval = 30 * time.Second
	}
	if c.Sync.MaxWalkDepth == 0 {
		c.Sync.MaxWalkDepth = 10000
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for _, s := range c.Listen {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("listen: invalid address %q: %w", s, err)
		}
	}
	for _, s := range c.Peers {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("peers: invalid address %q: %w", s, err)
		}
	}
	if c.Sync.AutoPull && !c.Sync.AutoFetch {
		return fmt.Errorf("sync.auto_pull requires sync.auto_fetch")
	}
	if c.Sync.MaxWalkDepth < 1 {
		return fmt.Errorf("sync.max_walk_depth must be positive: %d", c.Sync.MaxWalkDepth)
	}
	for name, d := range map[string]time.Duration{
		"discovery.interval":   c.Discovery.Interval,
		"sync.hello_timeout":   c.Sync.HelloTimeout,
		"sync.dial_timeout":    c.Sync.DialTimeout,
		"sync.redial_interval": c.Sync.RedialInterval,
		"watch.debounce":       c.Watch.Debounce,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", name, d)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

// ListenAddrs parses the listen addresses.
func (c *Config) ListenAddrs() []ma.Multiaddr {
	return parseAll(c.Listen)
}

// PeerAddrs parses the static peer addresses.
func (c *Config) PeerAddrs() []ma.Multiaddr {
	return parseAll(c.Peers)
}

func parseAll(ss []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(ss))
	for _, s := range ss {
		if a, err := ma.NewMultiaddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}
