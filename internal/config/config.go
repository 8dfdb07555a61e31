// Package config handles configuration loading and validation for harbor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evharbor/harbor/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Default limits.
const (
	DefaultDataDir               = "/var/lib/harbor"
	DefaultMaxNodesPerBucket     = 10_000_000
	DefaultMaxReadSize           = 20 * bytesize.MB
	DefaultMaxObjectSize         = 5 * bytesize.TB
	DefaultReadChunkSize         = 2 * bytesize.MB
	DefaultSmallListingThreshold = 10_000
	DefaultLargeOffsetThreshold  = 10_000
	DefaultPageSize              = 200
	DefaultMaxPageSize           = 1000
	DefaultClusterName           = "local"
	DefaultPoolName              = "objects"
)

// MetadataConfig locates the metadata database.
type MetadataConfig struct {
	Path        string `yaml:"path"`         // SQLite file (default: {data_dir}/metadata.db)
	BusyTimeout string `yaml:"busy_timeout"` // e.g. "5s"
}

// BackingConfig configures the byte store holding object content.
type BackingConfig struct {
	Dir         string `yaml:"dir"`          // default: {data_dir}/objects
	ClusterName string `yaml:"cluster_name"` // reported in key locators
	PoolName    string `yaml:"pool_name"`
	Timeout     string `yaml:"timeout"` // per backing call, e.g. "30s"
}

// LimitsConfig holds namespace and I/O limits.
type LimitsConfig struct {
	MaxNodesPerBucket     int64         `yaml:"max_nodes_per_bucket"`
	MaxBucketBytes        bytesize.Size `yaml:"max_bucket_bytes"` // 0 = unlimited
	MaxObjectSize         bytesize.Size `yaml:"max_object_size"`
	MaxReadSize           bytesize.Size `yaml:"max_read_size"`
	ReadChunkSize         bytesize.Size `yaml:"read_chunk_size"`
	SmallListingThreshold int           `yaml:"small_listing_threshold"`
	LargeOffsetThreshold  int           `yaml:"large_offset_threshold"`
	DefaultPageSize       int           `yaml:"default_page_size"`
	MaxPageSize           int           `yaml:"max_page_size"`
}

// ShareConfig configures share links and tokens.
type ShareConfig struct {
	SecretFile string `yaml:"secret_file"` // default: {data_dir}/share.key
	TokenTTL   string `yaml:"token_ttl"`   // lifetime of tokens for permanent shares
}

// LeaseConfig configures the per-object single-writer lease.
type LeaseConfig struct {
	TTL            string `yaml:"ttl"`
	AcquireTimeout string `yaml:"acquire_timeout"`
	PollInterval   string `yaml:"poll_interval"`
}

// TombstoneConfig configures soft-delete retention.
type TombstoneConfig struct {
	RetentionDays int `yaml:"retention_days"` // 0 = never purge automatically
}

// Config is the top-level harbor configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Backing   BackingConfig   `yaml:"backing"`
	Limits    LimitsConfig    `yaml:"limits"`
	Share     ShareConfig     `yaml:"share"`
	Lease     LeaseConfig     `yaml:"lease"`
	Tombstone TombstoneConfig `yaml:"tombstone"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)

	if c.Metadata.Path == "" {
		c.Metadata.Path = filepath.Join(c.DataDir, "metadata.db")
	}
	c.Metadata.Path = expandHome(c.Metadata.Path)
	if c.Metadata.BusyTimeout == "" {
		c.Metadata.BusyTimeout = "5s"
	}

	if c.Backing.Dir == "" {
		c.Backing.Dir = filepath.Join(c.DataDir, "objects")
	}
	c.Backing.Dir = expandHome(c.Backing.Dir)
	if c.Backing.ClusterName == "" {
		c.Backing.ClusterName = DefaultClusterName
	}
	if c.Backing.PoolName == "" {
		c.Backing.PoolName = DefaultPoolName
	}
	if c.Backing.Timeout == "" {
		c.Backing.Timeout = "30s"
	}

	if c.Limits.MaxNodesPerBucket == 0 {
		c.Limits.MaxNodesPerBucket = DefaultMaxNodesPerBucket
	}
	if c.Limits.MaxObjectSize == 0 {
		c.Limits.MaxObjectSize = bytesize.Size(DefaultMaxObjectSize)
	}
	if c.Limits.MaxReadSize == 0 {
		c.Limits.MaxReadSize = bytesize.Size(DefaultMaxReadSize)
	}
	if c.Limits.ReadChunkSize == 0 {
		c.Limits.ReadChunkSize = bytesize.Size(DefaultReadChunkSize)
	}
	if c.Limits.SmallListingThreshold == 0 {
		c.Limits.SmallListingThreshold = DefaultSmallListingThreshold
	}
	if c.Limits.LargeOffsetThreshold == 0 {
		c.Limits.LargeOffsetThreshold = DefaultLargeOffsetThreshold
	}
	if c.Limits.DefaultPageSize == 0 {
		c.Limits.DefaultPageSize = DefaultPageSize
	}
	if c.Limits.MaxPageSize == 0 {
		c.Limits.MaxPageSize = DefaultMaxPageSize
	}

	if c.Share.SecretFile == "" {
		c.Share.SecretFile = filepath.Join(c.DataDir, "share.key")
	}
	c.Share.SecretFile = expandHome(c.Share.SecretFile)
	if c.Share.TokenTTL == "" {
		c.Share.TokenTTL = "168h"
	}

	if c.Lease.TTL == "" {
		c.Lease.TTL = "90s"
	}
	if c.Lease.AcquireTimeout == "" {
		c.Lease.AcquireTimeout = "10s"
	}
	if c.Lease.PollInterval == "" {
		c.Lease.PollInterval = "20ms"
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Limits.MaxNodesPerBucket < 0 {
		return fmt.Errorf("limits.max_nodes_per_bucket must not be negative")
	}
	if c.Limits.MaxObjectSize <= 0 {
		return fmt.Errorf("limits.max_object_size must be positive")
	}
	if c.Limits.MaxReadSize <= 0 {
		return fmt.Errorf("limits.max_read_size must be positive")
	}
	if c.Limits.ReadChunkSize <= 0 {
		return fmt.Errorf("limits.read_chunk_size must be positive")
	}
	if c.Limits.SmallListingThreshold < 0 || c.Limits.LargeOffsetThreshold < 0 {
		return fmt.Errorf("listing thresholds must not be negative")
	}
	if c.Limits.DefaultPageSize <= 0 || c.Limits.MaxPageSize <= 0 {
		return fmt.Errorf("page sizes must be positive")
	}
	if c.Limits.DefaultPageSize > c.Limits.MaxPageSize {
		return fmt.Errorf("limits.default_page_size (%d) exceeds limits.max_page_size (%d)",
			c.Limits.DefaultPageSize, c.Limits.MaxPageSize)
	}
	if c.Tombstone.RetentionDays < 0 {
		return fmt.Errorf("tombstone.retention_days must not be negative")
	}

	durations := map[string]string{
		"metadata.busy_timeout": c.Metadata.BusyTimeout,
		"backing.timeout":       c.Backing.Timeout,
		"share.token_ttl":       c.Share.TokenTTL,
		"lease.ttl":             c.Lease.TTL,
		"lease.acquire_timeout": c.Lease.AcquireTimeout,
		"lease.poll_interval":   c.Lease.PollInterval,
	}
	for name, v := range durations {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	// A reset write renews the lease before each of its two backing calls,
	// so one call must fit inside the lease.
	ttl, _ := time.ParseDuration(c.Lease.TTL)
	timeout, _ := time.ParseDuration(c.Backing.Timeout)
	if ttl <= timeout {
		return fmt.Errorf("lease.ttl (%s) must exceed backing.timeout (%s)", ttl, timeout)
	}
	return nil
}

// Duration parses a duration field that Validate has already checked.
// Invalid values fall back to def.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ApplyLogLevel sets the zerolog global level from a config string.
// Returns false when level is empty or unknown and the level was left alone.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
