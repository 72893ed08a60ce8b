// Package config loads the server configuration and the static tenant
// registry from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tenant registers one hosted library.
type Tenant struct {
	// Hostname routes requests to this tenant.
	Hostname string `yaml:"hostname"`

	// RecoveryKey decrypts the library's bucket blobs.
	RecoveryKey string `yaml:"recovery_key"`

	// PublicKey is the hex Ed25519 key requests must be signed with.
	PublicKey string `yaml:"public_key"`

	// BucketDir is the locally mounted bucket directory for the library.
	BucketDir string `yaml:"bucket_dir"`

	// CacheTimeoutMinutes is the idle duration before the tenant session is
	// evicted. Zero means the server default.
	CacheTimeoutMinutes int `yaml:"cache_timeout_minutes"`
}

// CacheTimeout returns the eviction timeout with the default applied.
func (t Tenant) CacheTimeout(def time.Duration) time.Duration {
	if t.CacheTimeoutMinutes <= 0 {
		return def
	}
	return time.Duration(t.CacheTimeoutMinutes) * time.Minute
}

// Config is the server configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	SyncIntervalSeconds    int `yaml:"sync_interval_seconds"`
	SnapshotSeqThreshold   int `yaml:"snapshot_seq_threshold"`
	SnapshotHoursThreshold int `yaml:"snapshot_hours_threshold"`

	CacheTimeoutMinutes int `yaml:"cache_timeout_minutes"`
	EvictionScanSeconds int `yaml:"eviction_scan_seconds"`

	Tenants []Tenant `yaml:"tenants"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.SyncIntervalSeconds <= 0 {
		c.SyncIntervalSeconds = 60
	}
	if c.SnapshotSeqThreshold <= 0 {
		c.SnapshotSeqThreshold = 100
	}
	if c.SnapshotHoursThreshold <= 0 {
		c.SnapshotHoursThreshold = 24 * 7
	}
	if c.CacheTimeoutMinutes <= 0 {
		c.CacheTimeoutMinutes = 30
	}
	if c.EvictionScanSeconds <= 0 {
		c.EvictionScanSeconds = 60
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.Hostname == "" {
			return fmt.Errorf("tenant with empty hostname")
		}
		if seen[t.Hostname] {
			return fmt.Errorf("duplicate tenant hostname %q", t.Hostname)
		}
		seen[t.Hostname] = true
		if t.RecoveryKey == "" {
			return fmt.Errorf("tenant %s: recovery_key is required", t.Hostname)
		}
		if t.PublicKey == "" {
			return fmt.Errorf("tenant %s: public_key is required", t.Hostname)
		}
		if t.BucketDir == "" {
			return fmt.Errorf("tenant %s: bucket_dir is required", t.Hostname)
		}
	}
	return nil
}

// SyncInterval returns the background sync interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// CacheTimeout returns the default tenant eviction timeout.
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutMinutes) * time.Minute
}

// EvictionScan returns the eviction scan interval.
func (c *Config) EvictionScan() time.Duration {
	return time.Duration(c.EvictionScanSeconds) * time.Second
}
