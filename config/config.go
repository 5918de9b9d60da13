// Package config loads the YAML configuration shared by the geoindex binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/geoindex/core/storage_engine/blockstore"
	"github.com/sushant-115/geoindex/pkg/logger"
	"github.com/sushant-115/geoindex/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// StoreKind selects the block store implementation.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreBolt   StoreKind = "bolt"
	StoreRemote StoreKind = "remote"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Index     IndexConfig      `yaml:"index"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
}

// IndexConfig holds the parameters used when a new tree is created. A store
// that already holds a tree keeps its persisted threshold, balancing and
// branching factor.
type IndexConfig struct {
	SplitThreshold  int  `yaml:"split_threshold"`
	Balanced        bool `yaml:"balanced"`
	BranchingFactor int  `yaml:"branching_factor"`
	// PoolBudget is the number of items allowed to stay in memory. Zero keeps
	// every payload resident.
	PoolBudget int `yaml:"pool_budget"`
	// Prefetch is the number of child payloads a query loads concurrently.
	Prefetch int `yaml:"prefetch"`
}

// StoreConfig selects and configures the block store.
type StoreConfig struct {
	Kind StoreKind `yaml:"kind"`
	// Path is the bbolt file for the bolt store.
	Path string `yaml:"path"`
	// Address is the block server target for the remote store.
	Address string                 `yaml:"address"`
	Retry   blockstore.RetryConfig `yaml:"retry"`
	// SnapshotDir receives prepared snapshots of a bolt store.
	SnapshotDir string `yaml:"snapshot_dir"`
	// SnapshotRate caps snapshot writes in bytes per second. Zero is unlimited.
	SnapshotRate int64 `yaml:"snapshot_rate"`
}

// ServerConfig configures the block server.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// Backing is the store the block server serves from.
	Backing StoreConfig `yaml:"backing"`
}

// Default returns a configuration that runs an in-memory balanced quadtree.
func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "geoindex",
			TraceSampleRatio: 1.0,
		},
		Index: IndexConfig{
			SplitThreshold:  64,
			Balanced:        true,
			BranchingFactor: 4,
			PoolBudget:      0,
			Prefetch:        4,
		},
		Store: StoreConfig{
			Kind:  StoreMemory,
			Retry: blockstore.DefaultRetryConfig(),
		},
		Server: ServerConfig{
			ListenAddress: ":7070",
			Backing: StoreConfig{
				Kind:  StoreMemory,
				Retry: blockstore.DefaultRetryConfig(),
			},
		},
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshalling the yaml config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Index.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Server.Backing.Validate(); err != nil {
		return fmt.Errorf("server backing: %w", err)
	}
	if c.Server.Backing.Kind == StoreRemote {
		return fmt.Errorf("%w: the block server cannot serve from a remote store", ErrInvalidConfig)
	}
	return nil
}

func (c *IndexConfig) Validate() error {
	if c.BranchingFactor != 4 && c.BranchingFactor != 8 {
		return fmt.Errorf("%w: index.branching_factor must be 4 or 8, got %d", ErrInvalidConfig, c.BranchingFactor)
	}
	if c.SplitThreshold < 1 {
		return fmt.Errorf("%w: index.split_threshold must be positive, got %d", ErrInvalidConfig, c.SplitThreshold)
	}
	if c.PoolBudget < 0 {
		return fmt.Errorf("%w: index.pool_budget must not be negative", ErrInvalidConfig)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("%w: index.prefetch must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *StoreConfig) Validate() error {
	switch c.Kind {
	case StoreMemory:
	case StoreBolt:
		if c.Path == "" {
			return fmt.Errorf("%w: store.path is required for the bolt store", ErrInvalidConfig)
		}
	case StoreRemote:
		if c.Address == "" {
			return fmt.Errorf("%w: store.address is required for the remote store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalidConfig, c.Kind)
	}
	if c.SnapshotRate < 0 {
		return fmt.Errorf("%w: store.snapshot_rate must not be negative", ErrInvalidConfig)
	}
	return nil
}
