// Package config loads the keyed configuration shared by hub and endpoint:
// defaults, an optional YAML file, and OVERRIDE_-prefixed environment
// variables, highest last.
package config

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override config keys, e.g.
// OVERRIDE_HEARTBEAT_INTERVAL_S overrides heartbeat.interval_s.
const EnvPrefix = "OVERRIDE_"

// Config is the typed view of every key the core reads.
type Config struct {
	Hub struct {
		Host       string `koanf:"host"`
		Port       int    `koanf:"port"`
		PluginsDir string `koanf:"plugins_dir"`
	} `koanf:"hub"`
	Endpoint struct {
		HubURL     string `koanf:"hub_url"`
		Identity   string `koanf:"identity"`
		PluginsDir string `koanf:"plugins_dir"`
	} `koanf:"endpoint"`
	Heartbeat struct {
		IntervalS       float64 `koanf:"interval_s"`
		StaleMultiplier float64 `koanf:"stale_multiplier"`
	} `koanf:"heartbeat"`
	Reconnect struct {
		InitialS   float64 `koanf:"initial_s"`
		MaxS       float64 `koanf:"max_s"`
		Multiplier float64 `koanf:"multiplier"`
		Jitter     float64 `koanf:"jitter"`
	} `koanf:"reconnect"`
	Command struct {
		DefaultTimeoutS float64 `koanf:"default_timeout_s"`
		HubGraceS       float64 `koanf:"hub_grace_s"`
	} `koanf:"command"`
	WorkerPool struct {
		Size int `koanf:"size"`
	} `koanf:"worker_pool"`
	Health struct {
		SampleIntervalS float64 `koanf:"sample_interval_s"`
		MaxMemoryBytes  int64   `koanf:"max_memory_bytes"`
	} `koanf:"health"`
	Log struct {
		Dir             string `koanf:"dir"`
		MaxBytes        int64  `koanf:"max_bytes"`
		Backups         int    `koanf:"backups"`
		RingSize        int    `koanf:"ring_size"`
		Level           string `koanf:"level"`
		CompressBackups bool   `koanf:"compress_backups"`
	} `koanf:"log"`
	HotReload struct {
		Enabled    bool `koanf:"enabled"`
		DebounceMs int  `koanf:"debounce_ms"`
	} `koanf:"hot_reload"`
	Transport struct {
		MaxMessageBytes int64 `koanf:"max_message_bytes"`
	} `koanf:"transport"`
}

func defaults() map[string]any {
	return map[string]any{
		"hub.host":                    "0.0.0.0",
		"hub.port":                    9998,
		"hub.plugins_dir":             "plugins",
		"endpoint.hub_url":            "ws://localhost:9998",
		"endpoint.identity":           defaultIdentity(),
		"endpoint.plugins_dir":        "plugins",
		"heartbeat.interval_s":        30.0,
		"heartbeat.stale_multiplier":  2.5,
		"reconnect.initial_s":         1.0,
		"reconnect.max_s":             60.0,
		"reconnect.multiplier":        2.0,
		"reconnect.jitter":            0.2,
		"command.default_timeout_s":   60.0,
		"command.hub_grace_s":         2.0,
		"worker_pool.size":            4,
		"health.sample_interval_s":    5.0,
		"health.max_memory_bytes":     int64(0),
		"log.dir":                     "logs",
		"log.max_bytes":               int64(10 * 1024 * 1024),
		"log.backups":                 5,
		"log.ring_size":               1000,
		"log.level":                   "info",
		"log.compress_backups":        false,
		"hot_reload.enabled":          true,
		"hot_reload.debounce_ms":      300,
		"transport.max_message_bytes": int64(16 * 1024 * 1024),
	}
}

func defaultIdentity() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		// Strip a DOMAIN\ prefix on Windows identities.
		name := u.Username
		if i := strings.LastIndexByte(name, '\\'); i >= 0 {
			name = name[i+1:]
		}
		return name
	}
	host, _ := os.Hostname()
	return host
}

// envKeyMap maps OVERRIDE_* variable names back to config keys. Built from
// the default key set, so only known keys can be overridden.
func envKeyMap() map[string]string {
	m := make(map[string]string)
	for key := range defaults() {
		envName := EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		m[envName] = key
	}
	return m
}

// Load builds the configuration from defaults, the optional file at path,
// and OVERRIDE_ environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	keys := envKeyMap()
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return keys[s] // unknown vars map to "" and are dropped
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Validate checks ranges. A config that fails validation is never applied.
func (c *Config) Validate() error {
	if c.Hub.Port < 1 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port %d out of range", c.Hub.Port)
	}
	if c.Endpoint.HubURL == "" {
		return fmt.Errorf("endpoint.hub_url is required")
	}
	if c.Endpoint.Identity == "" {
		return fmt.Errorf("endpoint.identity is required")
	}
	if c.Heartbeat.IntervalS <= 0 {
		return fmt.Errorf("heartbeat.interval_s must be positive")
	}
	if c.Heartbeat.StaleMultiplier < 1 {
		return fmt.Errorf("heartbeat.stale_multiplier must be >= 1")
	}
	if c.Reconnect.InitialS <= 0 || c.Reconnect.MaxS < c.Reconnect.InitialS {
		return fmt.Errorf("reconnect intervals invalid: initial %v, max %v", c.Reconnect.InitialS, c.Reconnect.MaxS)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be within [0, 1]")
	}
	if c.Command.DefaultTimeoutS <= 0 {
		return fmt.Errorf("command.default_timeout_s must be positive")
	}
	if c.WorkerPool.Size < 1 {
		return fmt.Errorf("worker_pool.size must be >= 1")
	}
	if c.Health.SampleIntervalS <= 0 {
		return fmt.Errorf("health.sample_interval_s must be positive")
	}
	if c.Log.RingSize < 1 {
		return fmt.Errorf("log.ring_size must be >= 1")
	}
	if c.HotReload.DebounceMs < 0 {
		return fmt.Errorf("hot_reload.debounce_ms must be >= 0")
	}
	if c.Transport.MaxMessageBytes < 1024 {
		return fmt.Errorf("transport.max_message_bytes too small: %d", c.Transport.MaxMessageBytes)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func parseLevel(s string) (int, error) {
	switch strings.ToLower(s) {
	case "debug":
		return -4, nil
	case "info":
		return 0, nil
	case "warn", "warning":
		return 4, nil
	case "error":
		return 8, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// Duration accessors.

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalS * float64(time.Second))
}

// StaleThreshold is how long the hub tolerates silence before marking an
// endpoint stale.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Heartbeat.IntervalS * c.Heartbeat.StaleMultiplier * float64(time.Second))
}

func (c *Config) ReconnectInitial() time.Duration {
	return time.Duration(c.Reconnect.InitialS * float64(time.Second))
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Reconnect.MaxS * float64(time.Second))
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Command.DefaultTimeoutS * float64(time.Second))
}

func (c *Config) HubGrace() time.Duration {
	return time.Duration(c.Command.HubGraceS * float64(time.Second))
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Health.SampleIntervalS * float64(time.Second))
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.HotReload.DebounceMs) * time.Millisecond
}

// HubAddr is the hub's listen address.
func (c *Config) HubAddr() string {
	return fmt.Sprintf("%s:%d", c.Hub.Host, c.Hub.Port)
}
