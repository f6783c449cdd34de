// Package config holds the daemon configuration and its YAML loader.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SyncStrict = "strict"
	SyncAsync  = "async"

	WALMinimal = "minimal"
	WALReplica = "replica"

	ReadCommitted = "committed"
	ReadDirty     = "dirty"
)

// Config holds the dictionary service configuration.
type Config struct {
	DataPath           string        `yaml:"data_path"`
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	SyncMode           string        `yaml:"sync_mode"` // "strict" or "async"
	WALLevel           string        `yaml:"wal_level"` // "minimal" or "replica"
	ReadMode           string        `yaml:"read_mode"` // "committed" or "dirty"
	Listen             string        `yaml:"listen"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataPath:           "./keydict_db",
		Workers:            4,
		QueueSize:          64 * 1024,
		SyncMode:           SyncStrict,
		WALLevel:           WALReplica,
		ReadMode:           ReadCommitted,
		Listen:             ":6970",
		CheckpointInterval: 5 * time.Minute,
		RequestTimeout:     30 * time.Second,
	}
}

// Load reads a YAML file on top of Default. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.DataPath == "" {
		errs = append(errs, errors.New("data_path is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize < 16 {
		errs = append(errs, fmt.Errorf("queue_size must be at least 16 bytes, got %d", c.QueueSize))
	}
	switch c.SyncMode {
	case SyncStrict, SyncAsync:
	default:
		errs = append(errs, fmt.Errorf("unknown sync_mode %q", c.SyncMode))
	}
	switch c.WALLevel {
	case WALMinimal, WALReplica:
	default:
		errs = append(errs, fmt.Errorf("unknown wal_level %q", c.WALLevel))
	}
	switch c.ReadMode {
	case ReadCommitted, ReadDirty:
	default:
		errs = append(errs, fmt.Errorf("unknown read_mode %q", c.ReadMode))
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, errors.New("checkpoint_interval cannot be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	return errors.Join(errs...)
}
