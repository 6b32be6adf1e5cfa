// Package config loads the YAML boot configuration for a limestone
// datastore: directory layout, channel count, background loop
// intervals, and replication hook wiring.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chuliyu/limestone-go/internal/datastore"
	"github.com/chuliyu/limestone-go/internal/replication"
)

// Config mirrors datastore.Config but in YAML-friendly, duration-as-string
// form, plus the replication section spec §6.3 describes as environment
// variables (kept here too, so a deployment can pin them in one file
// instead of the process environment).
type Config struct {
	Datastore struct {
		Dir                  string        `yaml:"dir"`
		ChannelCount         int           `yaml:"channel_count"`
		CompactionInterval   time.Duration `yaml:"compaction_interval"`
		CompressRetiredFiles bool          `yaml:"compress_retired_files"`
		BlobGCInterval       time.Duration `yaml:"blob_gc_interval"`
		ScanWorkers          int           `yaml:"scan_workers"`
	} `yaml:"datastore"`

	Replication struct {
		Endpoint          string `yaml:"endpoint"`
		AsyncSessionClose bool   `yaml:"async_session_close"`
		AsyncGroupCommit  bool   `yaml:"async_group_commit"`
	} `yaml:"replication"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Datastore.ChannelCount <= 0 {
		cfg.Datastore.ChannelCount = 1
	}
	if cfg.Datastore.ScanWorkers <= 0 {
		cfg.Datastore.ScanWorkers = 1
	}
	return &cfg, nil
}

// ReplicationHook builds the Hook this config describes, falling back to
// a NoopHook when no endpoint is configured. Unlike
// replication.NewGRPCHookFromEnv, the endpoint and async flags here come
// from the parsed file rather than the process environment.
func (c *Config) ReplicationHook() (replication.Hook, error) {
	if c.Replication.Endpoint == "" {
		return replication.NoopHook{}, nil
	}
	return replication.NewGRPCHook(c.Replication.Endpoint, c.Replication.AsyncSessionClose, c.Replication.AsyncGroupCommit, nil)
}

// DatastoreConfig translates the YAML section into a datastore.Config,
// filling in the replication hook via ReplicationHook.
func (c *Config) DatastoreConfig() (datastore.Config, error) {
	hook, err := c.ReplicationHook()
	if err != nil {
		return datastore.Config{}, err
	}
	return datastore.Config{
		Dir:                  c.Datastore.Dir,
		ChannelCount:         c.Datastore.ChannelCount,
		CompactionInterval:   c.Datastore.CompactionInterval,
		CompressRetiredFiles: c.Datastore.CompressRetiredFiles,
		BlobGCInterval:       c.Datastore.BlobGCInterval,
		ScanWorkers:          c.Datastore.ScanWorkers,
		Replication:          hook,
	}, nil
}
