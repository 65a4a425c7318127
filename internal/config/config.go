// Package config loads the store configuration from a YAML file and
// fills in defaults for anything left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Path is the data directory the store lives under.
	Path string `yaml:"path"`
	// Engine selects the storage engine: "multiparent" or "group".
	Engine string `yaml:"engine"`
	// SnapshotInterval is the chain depth at which the multiparent
	// engine stores a full text instead of a diff.
	SnapshotInterval int `yaml:"snapshotInterval"`
	// MaxSnapshots caps automatic snapshots, 0 means unlimited.
	MaxSnapshots int `yaml:"maxSnapshots"`
	// FlushThresholdMB bounds the group engine's in-memory buffer.
	FlushThresholdMB int `yaml:"flushThresholdMB"`
	// MinimumFreeGB refuses to open on a nearly full disk, 0 disables.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// LogLevel is a logrus level name, e.g. "info" or "debug".
	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Path:             "quilt-data",
		Engine:           "multiparent",
		SnapshotInterval: 25,
		FlushThresholdMB: 4,
		LogLevel:         "info",
	}
}

// Load reads a YAML config file and applies defaults to unset fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	defaults := Default()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.Engine == "" {
		config.Engine = defaults.Engine
	}
	if config.SnapshotInterval == 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if config.FlushThresholdMB == 0 {
		config.FlushThresholdMB = defaults.FlushThresholdMB
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}

	if config.Engine != "multiparent" && config.Engine != "group" {
		return Config{}, fmt.Errorf("unknown engine %q", config.Engine)
	}
	return config, nil
}
