// Package config loads the shardfed YAML configuration.
//
// Shard bindings themselves are not configured here: they are discovered
// from the process environment (see shard.Environment). This file holds the
// policy around them: capacity limits, fan-out limits, uniqueness rules,
// known relationships, fallback behaviour, and audit thresholds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Shards     Shards     `yaml:"shards"`
	FanOut     FanOut     `yaml:"fanout"`
	IDCodec    IDCodec    `yaml:"id_codec"`
	Dedup      Dedup      `yaml:"dedup"`
	References References `yaml:"references"`
	Fallback   Fallback   `yaml:"fallback"`
	Audit      Audit      `yaml:"audit"`
	Logging    Logging    `yaml:"logging"`
}

// Shards configures discovery and capacity.
type Shards struct {
	// Prefix is the environment key prefix, e.g. SHARDFED_DB matches SHARDFED_DB_3_a1b2.
	Prefix string `yaml:"prefix"`
	// MaxSizeBytes is the capacity ceiling of every shard unless overridden.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// Overrides maps binding names to a per-shard capacity.
	Overrides map[string]int64 `yaml:"overrides"`
	// WriteThreshold is the utilization at which a shard stops taking writes.
	WriteThreshold float64 `yaml:"write_threshold"`
	// Tables lists application record types; the id codec learns them at startup.
	Tables []string `yaml:"tables"`
	// Schema is optional DDL applied to every shard by `shardfed migrate`.
	Schema string `yaml:"schema"`
}

// FanOut bounds concurrent shard I/O.
type FanOut struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IDCodec sizes the hash caches.
type IDCodec struct {
	CacheSize int `yaml:"cache_size"`
	// PersistMappings stores hash→plaintext mappings in the catalog shard.
	PersistMappings bool `yaml:"persist_mappings"`
}

// Constraint is a global uniqueness rule.
type Constraint struct {
	Name    string   `yaml:"name"`
	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns"`
}

// Dedup configures global uniqueness enforcement.
type Dedup struct {
	Constraints []Constraint `yaml:"constraints"`
	// UniqueIndex enables insert-if-absent claims on an owner shard per key.
	UniqueIndex bool `yaml:"unique_index"`
}

// Relationship is a foreign-key-like edge between tables.
type Relationship struct {
	SourceTable  string `yaml:"source_table"`
	SourceColumn string `yaml:"source_column"`
	TargetTable  string `yaml:"target_table"`
	Kind         string `yaml:"kind"`
}

// References configures the reference tracker.
type References struct {
	Relationships []Relationship `yaml:"relationships"`
	CacheTTL      time.Duration  `yaml:"cache_ttl"`
	MaxDepth      int            `yaml:"max_depth"`
}

// Retry configures exponential backoff.
type Retry struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// Fallback configures resilient reads.
type Fallback struct {
	Strategy string                    `yaml:"strategy"`
	CacheTTL time.Duration             `yaml:"cache_ttl"`
	Retry    Retry                     `yaml:"retry"`
	Defaults map[string]map[string]any `yaml:"defaults"`
}

// Audit configures consistency checks and the health monitor.
type Audit struct {
	ImbalanceWarn   float64       `yaml:"imbalance_warn"`
	ImbalanceFail   float64       `yaml:"imbalance_fail"`
	ClockSkew       time.Duration `yaml:"clock_skew"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MaxFailures     int           `yaml:"max_failures"`
}

// Logging contains logging configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Shards: Shards{
			Prefix:         "SHARDFED_DB",
			MaxSizeBytes:   10 << 30,
			WriteThreshold: 0.9,
			Tables:         []string{"users", "posts", "comments", "tags", "post_tags"},
		},
		FanOut: FanOut{
			Concurrency: 16,
		},
		IDCodec: IDCodec{
			CacheSize: 10000,
		},
		Dedup: Dedup{
			Constraints: []Constraint{
				{Name: "unique_email", Table: "users", Columns: []string{"email"}},
				{Name: "unique_username", Table: "users", Columns: []string{"username"}},
			},
		},
		References: References{
			Relationships: []Relationship{
				{SourceTable: "posts", SourceColumn: "user_id", TargetTable: "users", Kind: "foreign_key"},
				{SourceTable: "comments", SourceColumn: "post_id", TargetTable: "posts", Kind: "foreign_key"},
				{SourceTable: "comments", SourceColumn: "user_id", TargetTable: "users", Kind: "foreign_key"},
				{SourceTable: "post_tags", SourceColumn: "post_id", TargetTable: "posts", Kind: "many_to_many"},
				{SourceTable: "post_tags", SourceColumn: "tag_id", TargetTable: "tags", Kind: "many_to_many"},
			},
			CacheTTL: time.Minute,
			MaxDepth: 3,
		},
		Fallback: Fallback{
			Strategy: "cache",
			CacheTTL: 5 * time.Minute,
			Retry: Retry{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Audit: Audit{
			ImbalanceWarn:   0.2,
			ImbalanceFail:   0.5,
			ClockSkew:       5 * time.Minute,
			MonitorInterval: 30 * time.Second,
			MaxFailures:     3,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads configuration from path, layered over Default.
// Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		path = abs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MaxSizeFor returns the capacity of the shard with the given binding name.
func (s Shards) MaxSizeFor(binding string) int64 {
	if v, ok := s.Overrides[binding]; ok && v > 0 {
		return v
	}
	return s.MaxSizeBytes
}

var validStrategies = map[string]bool{"none": true, "cache": true, "default": true, "future": true}

var validKinds = map[string]bool{"foreign_key": true, "many_to_many": true, "soft": true}

// Validate rejects configurations that cannot be run.
func (c *Config) Validate() error {
	if c.Shards.Prefix == "" {
		return fmt.Errorf("shards.prefix is required")
	}
	if c.Shards.MaxSizeBytes <= 0 {
		return fmt.Errorf("shards.max_size_bytes must be positive")
	}
	if c.Shards.WriteThreshold <= 0 || c.Shards.WriteThreshold > 1 {
		return fmt.Errorf("shards.write_threshold must be in (0, 1], got %v", c.Shards.WriteThreshold)
	}
	if c.FanOut.Concurrency < 0 {
		return fmt.Errorf("fanout.concurrency cannot be negative")
	}
	for _, con := range c.Dedup.Constraints {
		if con.Table == "" || len(con.Columns) == 0 {
			return fmt.Errorf("dedup constraint %q needs a table and columns", con.Name)
		}
	}
	for _, rel := range c.References.Relationships {
		if rel.SourceTable == "" || rel.SourceColumn == "" || rel.TargetTable == "" {
			return fmt.Errorf("relationship %s.%s is incomplete", rel.SourceTable, rel.SourceColumn)
		}
		if !validKinds[rel.Kind] {
			return fmt.Errorf("relationship %s.%s: unknown kind %q", rel.SourceTable, rel.SourceColumn, rel.Kind)
		}
	}
	if !validStrategies[c.Fallback.Strategy] {
		return fmt.Errorf("fallback.strategy %q must be one of none|cache|default|future", c.Fallback.Strategy)
	}
	if c.Audit.ImbalanceWarn < 0 || c.Audit.ImbalanceFail < c.Audit.ImbalanceWarn {
		return fmt.Errorf("audit imbalance thresholds must satisfy 0 <= warn <= fail")
	}
	return nil
}
