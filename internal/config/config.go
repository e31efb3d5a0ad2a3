package config

import (
	"fmt"
	"time"

	"github.com/harun/toolrun/pkg/engine"
)

// Config represents the toolrun configuration
type Config struct {
	Engine      EngineConfig      `json:"engine" mapstructure:"engine"`
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
	Cache       CacheConfig       `json:"cache" mapstructure:"cache"`
	Breaker     BreakerConfig     `json:"breaker" mapstructure:"breaker"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

// EngineConfig holds execution coordinator settings
type EngineConfig struct {
	MaxConcurrency  int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	QueueSize       int           `json:"queue_size" mapstructure:"queue_size"`
	PriorityLevels  int           `json:"priority_levels" mapstructure:"priority_levels"`
	DefaultTimeout  time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	AllowDeprecated bool          `json:"allow_deprecated" mapstructure:"allow_deprecated"`
	// RegisterBuiltins auto-registers the minimal built-in tool set on
	// engine initialization.
	RegisterBuiltins bool `json:"register_builtins" mapstructure:"register_builtins"`
}

// PermissionsConfig holds arbiter policy settings
type PermissionsConfig struct {
	AutoApproveSafe      bool          `json:"auto_approve_safe" mapstructure:"auto_approve_safe"`
	AutoApproveLow       bool          `json:"auto_approve_low" mapstructure:"auto_approve_low"`
	AutoApproveReadOnly  bool          `json:"auto_approve_read_only" mapstructure:"auto_approve_read_only"`
	ApprovalTimeout      time.Duration `json:"approval_timeout" mapstructure:"approval_timeout"`
	DefaultGrantDuration time.Duration `json:"default_grant_duration" mapstructure:"default_grant_duration"`
	MaxGrantDuration     time.Duration `json:"max_grant_duration" mapstructure:"max_grant_duration"`
}

// CacheConfig holds result cache settings
type CacheConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	TTL           time.Duration `json:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	MaxFailures uint32        `json:"max_failures" mapstructure:"max_failures"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrency:   8,
			QueueSize:        64,
			PriorityLevels:   3,
			DefaultTimeout:   30 * time.Second,
			RegisterBuiltins: true,
		},
		Permissions: PermissionsConfig{
			AutoApproveSafe:      true,
			AutoApproveLow:       false,
			AutoApproveReadOnly:  true,
			ApprovalTimeout:      60 * time.Second,
			DefaultGrantDuration: 15 * time.Minute,
			MaxGrantDuration:     24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Breaker: BreakerConfig{
			Enabled:     false,
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  false,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be positive")
	}
	if c.Engine.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size cannot be negative")
	}
	if c.Engine.PriorityLevels <= 0 {
		return fmt.Errorf("engine.priority_levels must be positive")
	}
	if c.Engine.DefaultTimeout <= 0 {
		return fmt.Errorf("engine.default_timeout must be positive")
	}
	if c.Permissions.ApprovalTimeout <= 0 {
		return fmt.Errorf("permissions.approval_timeout must be positive")
	}
	if c.Permissions.DefaultGrantDuration > c.Permissions.MaxGrantDuration {
		return fmt.Errorf("permissions.default_grant_duration exceeds max_grant_duration")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}
	if c.Breaker.Enabled && c.Breaker.MaxFailures == 0 {
		return fmt.Errorf("breaker.max_failures must be positive when breaker is enabled")
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	return nil
}

// EngineConfig converts the file configuration into engine options
func (c *Config) EngineOptions() engine.Config {
	return engine.Config{
		MaxConcurrency:  c.Engine.MaxConcurrency,
		QueueSize:       c.Engine.QueueSize,
		PriorityLevels:  c.Engine.PriorityLevels,
		DefaultTimeout:  c.Engine.DefaultTimeout,
		AllowDeprecated: c.Engine.AllowDeprecated,
		Permissions: engine.PermissionPolicy{
			AutoApproveSafe:      c.Permissions.AutoApproveSafe,
			AutoApproveLow:       c.Permissions.AutoApproveLow,
			AutoApproveReadOnly:  c.Permissions.AutoApproveReadOnly,
			ApprovalTimeout:      c.Permissions.ApprovalTimeout,
			DefaultGrantDuration: c.Permissions.DefaultGrantDuration,
			MaxGrantDuration:     c.Permissions.MaxGrantDuration,
		},
		CacheEnabled:       c.Cache.Enabled,
		CacheTTL:           c.Cache.TTL,
		CacheSweepInterval: c.Cache.SweepInterval,
		Breaker: engine.BreakerConfig{
			Enabled:     c.Breaker.Enabled,
			MaxFailures: c.Breaker.MaxFailures,
			Timeout:     c.Breaker.Timeout,
			Interval:    c.Breaker.Interval,
		},
	}
}
