// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the vdmtel daemon.
// It handles loading and parsing YAML configuration files, applies environment
// overrides and normalises every section so that consumers can use the values
// without further validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon's configuration, loaded from a YAML file.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes the process log to rotating files under LogDir
	// instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogFileMaxSizeMB is the size at which the process log file rotates. Three
	// compressed backups are kept. Zero uses the built-in default.
	LogFileMaxSizeMB int `yaml:"log-file-max-size-mb" json:"log-file-max-size-mb"`

	// LogDir holds the process log files.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// RunDir holds the telemetry streams (events.jsonl, utd_events.jsonl) and
	// their archive.
	RunDir string `yaml:"run-dir" json:"run-dir"`

	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`
	Ring      RingConfig      `yaml:"ring" json:"ring"`
	Logs      LogsConfig      `yaml:"logs" json:"logs"`
	Topology  TopologyConfig  `yaml:"topology" json:"topology"`
	Territory TerritoryConfig `yaml:"territory" json:"territory"`
}

const (
	DefaultLogDir = "logs"
	DefaultRunDir = "runs"
)

// Default returns a configuration with every section at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.Sanitize()
	return cfg
}

func (cfg *Config) setDefaults() {
	cfg.LogDir = DefaultLogDir
	cfg.RunDir = DefaultRunDir
	cfg.Broadcast.Enabled = false
	cfg.Broadcast.Host = "127.0.0.1"
	cfg.Broadcast.Port = 8765
	cfg.Broadcast.Path = "/ws"
	cfg.Broadcast.MaxConnections = 2
	cfg.Broadcast.FPS = 10
	cfg.Ring.Capacity = 3
	cfg.Topology.SampleEdges = 4096
	cfg.Topology.HalfLifeTicks = 50
	cfg.Topology.CyclesWeight = 0.6
	cfg.Topology.TriangleWeight = 0.4
	cfg.Topology.TriangleNorm = 4
	cfg.Territory.HeadK = 512
}

// LoadConfig reads YAML from configFile, applies environment overrides and
// sanitises the result.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, the defaults are used.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	var cfg Config
	// Set defaults before unmarshal so that absent keys keep defaults.
	cfg.setDefaults()

	data, err := os.ReadFile(configFile)
	if err != nil {
		if !optional || !(os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = nil
	}

	if len(data) > 0 {
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize normalises every section in place.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir
	}
	if cfg.RunDir == "" {
		cfg.RunDir = DefaultRunDir
	}
	if cfg.LogFileMaxSizeMB < 0 {
		cfg.LogFileMaxSizeMB = 0
	}
	cfg.SanitizeBroadcast()
	cfg.SanitizeRing()
	cfg.SanitizeLogs()
	cfg.SanitizeTopology()
	cfg.SanitizeTerritory()
}

// EventsPath is the events stream inside RunDir.
func (cfg *Config) EventsPath() string {
	return filepath.Join(cfg.RunDir, "events.jsonl")
}

// UTDPath is the UTD stream inside RunDir.
func (cfg *Config) UTDPath() string {
	return filepath.Join(cfg.RunDir, "utd_events.jsonl")
}

// ArchiveDir returns the archive root for streams in RunDir.
func (cfg *Config) ArchiveDir() string {
	if cfg.Logs.ArchiveDir != "" {
		return cfg.Logs.ArchiveDir
	}
	return filepath.Join(cfg.RunDir, "archived")
}

// SaveConfig writes cfg as YAML to configFile.
func SaveConfig(configFile string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
