// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the launcher service configuration.
//
// Configuration comes from a single YAML file named by the --config
// flag or the SPAWND_CONFIG environment variable. There is no
// automatic discovery and no fallback search path: a service whose
// socket placement decides who may run commands through it must not
// pick up configuration from places the operator did not name.
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

// EnvVariable names the environment variable consulted when no
// --config flag is given.
const EnvVariable = "SPAWND_CONFIG"

// Config is the launcher service configuration.
type Config struct {
	// Socket places the rendezvous socket.
	Socket SocketConfig `yaml:"socket"`

	// Shutdown controls what happens to running children when the
	// service stops.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// SocketConfig places the rendezvous socket.
type SocketConfig struct {
	// Directory is the trusted directory for the socket. Required
	// (via config or flag); there is no default because choosing it
	// is a security decision.
	Directory string `yaml:"directory"`

	// Name is an explicit socket file name. Empty means a random
	// name is generated.
	Name string `yaml:"name"`
}

// ShutdownConfig controls service shutdown behavior.
type ShutdownConfig struct {
	// Grace is how long to wait for in-flight children before
	// killing them. Parsed by time.ParseDuration (e.g., "30s").
	Grace string `yaml:"grace"`

	// TerminateChildren sends SIGTERM to all running children as
	// soon as shutdown starts. When false the service just waits for
	// them up to Grace.
	TerminateChildren bool `yaml:"terminate_children"`
}

// GraceDuration parses the shutdown grace period. Valid for any
// Config that passed validation.
func (c Config) GraceDuration() time.Duration {
	grace, err := time.ParseDuration(c.Shutdown.Grace)
	if err != nil {
		return Default().GraceDuration()
	}
	return grace
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Shutdown: ShutdownConfig{
			Grace:             "5s",
			TerminateChildren: false,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and strictly decodes the file at path on top of the
// defaults. Unknown keys are an error: a typoed key silently doing
// nothing is how misconfigured trust boundaries happen.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := unmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads the config named by explicitPath, or by SPAWND_CONFIG
// when explicitPath is empty, or returns the defaults when neither is
// set.
func Resolve(explicitPath string) (Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv(EnvVariable)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	grace, err := time.ParseDuration(c.Shutdown.Grace)
	if err != nil {
		return fmt.Errorf("invalid shutdown grace %q: %w", c.Shutdown.Grace, err)
	}
	if grace < 0 {
		return fmt.Errorf("shutdown grace must not be negative")
	}
	return nil
}

func unmarshalStrict(data []byte, v any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		// io.EOF means an empty file: keep the defaults.
		return err
	}
	return nil
}
