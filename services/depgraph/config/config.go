// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the dependency graph service configuration.
//
// Configuration is read from YAML, filled in from DefaultConfig, then
// overridden by DEPGRAPH_* environment variables and validated.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/logging"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/telemetry"
	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/visualization"
)

// Config is the complete service configuration.
type Config struct {
	Project   ProjectConfig    `yaml:"project"`
	Graph     GraphConfig      `yaml:"graph"`
	Threshold ThresholdConfig  `yaml:"threshold"`
	Analyzer  AnalyzerConfig   `yaml:"analyzer"`
	Session   SessionConfig    `yaml:"session"`
	Storage   StorageConfig    `yaml:"storage"`
	Export    ExportConfig     `yaml:"export"`
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ProjectConfig locates the Go module to analyze.
type ProjectConfig struct {
	// Root is the module root directory containing go.mod.
	Root string `yaml:"root" validate:"required"`
}

// GraphConfig bounds graph construction and display.
type GraphConfig struct {
	// Depth is the default display depth.
	Depth int `yaml:"depth" validate:"gte=0,lte=64"`

	// MaxNodes caps the number of nodes a build may create. Zero means
	// no cap.
	MaxNodes int `yaml:"max_nodes" validate:"gte=0"`
}

// ThresholdConfig controls when a display graph is considered too large
// to show without confirmation.
type ThresholdConfig struct {
	// MaxNodes is the display node count above which a view is withheld
	// unless forced. Zero disables the threshold.
	MaxNodes int `yaml:"max_nodes" validate:"gte=0"`
}

// AnalyzerConfig tunes the Go source analyzer.
type AnalyzerConfig struct {
	ParseWorkers int   `yaml:"parse_workers" validate:"gte=1,lte=256"`
	MaxFileSize  int64 `yaml:"max_file_size" validate:"gt=0"`
}

// SessionConfig tunes live sessions.
type SessionConfig struct {
	// Debounce is the file watcher quiet period.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// RefreshPerSecond bounds how often file changes are applied.
	RefreshPerSecond float64 `yaml:"refresh_per_second" validate:"gt=0"`

	// RefreshBurst is the rate limiter burst.
	RefreshBurst int `yaml:"refresh_burst" validate:"gte=1"`

	// WatchHead rebuilds the graph when the git HEAD moves.
	WatchHead bool `yaml:"watch_head"`

	// GitTimeout bounds each git invocation.
	GitTimeout time.Duration `yaml:"git_timeout" validate:"gt=0"`
}

// StorageConfig configures the view snapshot store.
type StorageConfig struct {
	// Enabled turns snapshot persistence on.
	Enabled bool `yaml:"enabled"`

	// Path is the BadgerDB directory.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// Retention is the number of views kept per session. Zero keeps all.
	Retention int `yaml:"retention" validate:"gte=0"`

	// TTL expires stored views. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// ExportConfig configures uploads to Google Cloud Storage.
type ExportConfig struct {
	Bucket          string   `yaml:"bucket"`
	Prefix          string   `yaml:"prefix"`
	CredentialsFile string   `yaml:"credentials_file" validate:"omitempty,file"`
	Formats         []string `yaml:"formats" validate:"dive,outputformat"`
}

// Enabled reports whether a bucket is configured.
func (e ExportConfig) Enabled() bool {
	return e.Bucket != ""
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`

	// Dir enables JSON file logging in addition to stderr.
	Dir string `yaml:"dir"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Project:   ProjectConfig{Root: "."},
		Graph:     GraphConfig{Depth: 2},
		Threshold: ThresholdConfig{MaxNodes: 200},
		Analyzer: AnalyzerConfig{
			ParseWorkers: 8,
			MaxFileSize:  4 << 20,
		},
		Session: SessionConfig{
			Debounce:         200 * time.Millisecond,
			RefreshPerSecond: 4,
			RefreshBurst:     1,
			WatchHead:        true,
			GitTimeout:       10 * time.Second,
		},
		Storage: StorageConfig{
			Path:      filepath.Join(home, ".aleutian", "depgraph", "snapshots"),
			Retention: 100,
		},
		Export: ExportConfig{Formats: []string{string(visualization.FormatMermaid)}},
		Server: ServerConfig{Addr: "localhost:8095"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns ~/.aleutian/depgraph.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "depgraph.yaml"), nil
}

// Load reads the configuration.
//
// Description:
//
//	An empty path means DefaultPath, which may be absent; an explicit path
//	must exist. Fields missing from the file keep their defaults.
//	Environment overrides are applied last, then the result is validated.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, parse, override or validation failure.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as YAML, creating the directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from DEPGRAPH_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Project.Root = getEnvOr("DEPGRAPH_ROOT", c.Project.Root)
	c.Server.Addr = getEnvOr("DEPGRAPH_ADDR", c.Server.Addr)
	c.Storage.Path = getEnvOr("DEPGRAPH_STORAGE_PATH", c.Storage.Path)
	c.Export.Bucket = getEnvOr("DEPGRAPH_EXPORT_BUCKET", c.Export.Bucket)
	c.Log.Level = strings.ToLower(getEnvOr("DEPGRAPH_LOG_LEVEL", c.Log.Level))
	c.Log.Dir = getEnvOr("DEPGRAPH_LOG_DIR", c.Log.Dir)

	ints := []struct {
		key string
		dst *int
	}{
		{"DEPGRAPH_DEPTH", &c.Graph.Depth},
		{"DEPGRAPH_MAX_NODES", &c.Threshold.MaxNodes},
		{"DEPGRAPH_BUILD_MAX_NODES", &c.Graph.MaxNodes},
	}
	for _, o := range ints {
		v := os.Getenv(o.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.key, err)
		}
		*o.dst = n
	}
	if v := os.Getenv("DEPGRAPH_STORAGE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEPGRAPH_STORAGE_ENABLED: %w", err)
		}
		c.Storage.Enabled = b
	}
	return nil
}

// configValidate is the validator for Config, with the outputformat tag
// registered.
var configValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("outputformat", func(fl validator.FieldLevel) bool {
		_, err := visualization.ParseFormat(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// OutputFormats returns the parsed export formats.
func (e ExportConfig) OutputFormats() []visualization.OutputFormat {
	out := make([]visualization.OutputFormat, 0, len(e.Formats))
	for _, f := range e.Formats {
		if of, err := visualization.ParseFormat(f); err == nil {
			out = append(out, of)
		}
	}
	return out
}

// Open builds the logger described by the log settings, writing to w and,
// when Dir is set, to a daily JSON file. The caller closes it.
func (l LogConfig) Open(w io.Writer) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(l.Level),
		JSON:    l.Format == "json",
		Dir:     l.Dir,
		Service: "depgraph",
		Stream:  w,
	})
}

// Logger builds a stream-only logger from the log settings.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lg, _ := logging.New(logging.Config{
		Level:  logging.ParseLevel(l.Level),
		JSON:   l.Format == "json",
		Stream: w,
	})
	return lg.Logger
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
