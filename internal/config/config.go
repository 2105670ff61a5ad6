// Package config resolves the effective database configuration from a
// named preset plus environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// MemoryPath is the sentinel path for an in-memory database.
const MemoryPath = ":memory:"

// Config is the effective, validated configuration the storage driver
// consumes. Presets produce one; FromEnv layers environment overrides on
// top. The driver treats it as frozen after Open.
type Config struct {
	Path           string         `mapstructure:"path"`
	Memory         bool           `mapstructure:"memory"`
	ReadOnly       bool           `mapstructure:"read_only"`
	TimeoutMS      int            `mapstructure:"timeout_ms"`
	MaxConnections int            `mapstructure:"max_connections"`
	Pragmas        map[string]any `mapstructure:"pragmas"`
	EnableWAL      bool           `mapstructure:"enable_wal"`
	EnableFTS      bool           `mapstructure:"enable_fts"`
	AutoVacuum     bool           `mapstructure:"auto_vacuum"`
	BackupInterval int            `mapstructure:"backup_interval_ms"` // 0 = off
}

// Preset names.
const (
	PresetDevelopment     = "development"
	PresetProduction      = "production"
	PresetTesting         = "testing"
	PresetHighPerformance = "high-performance"
)

// validPragmaValues restricts the enumerated pragma keys. Keys not listed
// here but present in allowedPragmaKeys accept any scalar value.
var validPragmaValues = map[string][]string{
	"journal_mode": {"DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF"},
	"synchronous":  {"OFF", "NORMAL", "FULL", "EXTRA"},
}

var allowedPragmaKeys = map[string]bool{
	"journal_mode":       true,
	"synchronous":        true,
	"foreign_keys":       true,
	"cache_size":         true,
	"mmap_size":          true,
	"temp_store":         true,
	"auto_vacuum":        true,
	"wal_autocheckpoint": true,
}

// Preset returns the named preset's configuration, or an error for an
// unknown name.
func Preset(name string) (*Config, error) {
	switch name {
	case PresetDevelopment:
		return &Config{
			Path:           "./nodeloom.db",
			TimeoutMS:      5000,
			MaxConnections: 4,
			EnableWAL:      true,
			EnableFTS:      true,
			Pragmas: map[string]any{
				"journal_mode": "WAL",
				"synchronous":  "NORMAL",
				"foreign_keys": 1,
				"cache_size":   -8000,
			},
		}, nil
	case PresetProduction:
		return &Config{
			Path:           "./nodeloom.db",
			TimeoutMS:      10000,
			MaxConnections: 8,
			EnableWAL:      true,
			EnableFTS:      true,
			AutoVacuum:     true,
			BackupInterval: 3_600_000,
			Pragmas: map[string]any{
				"journal_mode":       "WAL",
				"synchronous":        "FULL",
				"foreign_keys":       1,
				"cache_size":         -32000,
				"wal_autocheckpoint": 1000,
				"auto_vacuum":        "INCREMENTAL",
			},
		}, nil
	case PresetTesting:
		return &Config{
			Path:           MemoryPath,
			Memory:         true,
			TimeoutMS:      1000,
			MaxConnections: 1,
			EnableFTS:      true,
			Pragmas: map[string]any{
				"journal_mode": "MEMORY",
				"synchronous":  "OFF",
				"foreign_keys": 1,
			},
		}, nil
	case PresetHighPerformance:
		return &Config{
			Path:           "./nodeloom.db",
			TimeoutMS:      30000,
			MaxConnections: 16,
			EnableWAL:      true,
			EnableFTS:      true,
			Pragmas: map[string]any{
				"journal_mode": "WAL",
				"synchronous":  "NORMAL",
				"foreign_keys": 1,
				"cache_size":   -128000,
				"mmap_size":    268_435_456,
				"temp_store":   "MEMORY",
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown config preset: %s", name)
}

// FromEnv builds the effective config: the preset selected by
// DATABASE_PRESET (falling back to NODE_ENV, then development), with every
// DATABASE_* override applied on top.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DATABASE")
	v.AutomaticEnv()

	// NODE_ENV selects the base preset unless DATABASE_PRESET names one.
	env := viper.New()
	env.AutomaticEnv()
	preset := env.GetString("NODE_ENV")
	if p := v.GetString("PRESET"); p != "" {
		preset = p
	}
	if preset == "" {
		preset = PresetDevelopment
	}
	// NODE_ENV=test maps onto the in-memory testing preset.
	if preset == "test" {
		preset = PresetTesting
	}

	cfg, err := Preset(preset)
	if err != nil {
		return nil, err
	}

	if v.IsSet("PATH") && v.GetString("PATH") != "" {
		cfg.Path = v.GetString("PATH")
	}
	if v.IsSet("MEMORY") {
		cfg.Memory = v.GetBool("MEMORY")
	}
	if v.IsSet("READ_ONLY") {
		cfg.ReadOnly = v.GetBool("READ_ONLY")
	}
	if v.IsSet("TIMEOUT") {
		cfg.TimeoutMS = v.GetInt("TIMEOUT")
	}
	if v.IsSet("MAX_CONNECTIONS") {
		cfg.MaxConnections = v.GetInt("MAX_CONNECTIONS")
	}
	if v.IsSet("ENABLE_WAL") {
		cfg.EnableWAL = v.GetBool("ENABLE_WAL")
	}
	if v.IsSet("ENABLE_FTS") {
		cfg.EnableFTS = v.GetBool("ENABLE_FTS")
	}
	if v.IsSet("AUTO_VACUUM") {
		cfg.AutoVacuum = v.GetBool("AUTO_VACUUM")
	}
	if v.IsSet("BACKUP_INTERVAL") {
		cfg.BackupInterval = v.GetInt("BACKUP_INTERVAL")
	}
	if cfg.Memory {
		cfg.Path = MemoryPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config invariants and pragma domains.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.TimeoutMS < 0 {
		return fmt.Errorf("config: timeout_ms cannot be negative")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be at least 1")
	}
	if c.BackupInterval < 0 {
		return fmt.Errorf("config: backup_interval_ms cannot be negative")
	}
	for key, value := range c.Pragmas {
		if !allowedPragmaKeys[key] {
			return fmt.Errorf("config: unknown pragma key %q", key)
		}
		if allowed, ok := validPragmaValues[key]; ok {
			s := strings.ToUpper(fmt.Sprintf("%v", value))
			found := false
			for _, a := range allowed {
				if s == a {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("config: pragma %s rejects value %v (allowed: %s)",
					key, value, strings.Join(allowed, ","))
			}
		}
	}
	return nil
}

// IsMemory reports whether the config targets an in-memory database.
func (c *Config) IsMemory() bool {
	return c.Memory || c.Path == MemoryPath
}
