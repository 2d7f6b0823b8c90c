// Package config loads, validates, and saves the composed service
// configuration. Every component owns its own Config type and defaults;
// this package stitches them into one YAML document and applies
// deployment overrides from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/forecastrun/internal/governance"
	"github.com/sawpanic/forecastrun/internal/infrastructure/db"
	httpserver "github.com/sawpanic/forecastrun/internal/interfaces/http"
	"github.com/sawpanic/forecastrun/internal/kernel"
	"github.com/sawpanic/forecastrun/internal/pipeline"
	"github.com/sawpanic/forecastrun/internal/snapshot"
)

// Config composes every component configuration the service reads.
type Config struct {
	Kernel     *kernel.Config       `yaml:"kernel"`
	Governance *governance.Config   `yaml:"governance"`
	Pipeline   pipeline.Config      `yaml:"pipeline"`
	Server     httpserver.Config    `yaml:"server"`
	Database   db.Config            `yaml:"database"`
	Snapshots  snapshot.RedisConfig `yaml:"snapshots"`
}

// DefaultConfig returns the production defaults for every component.
func DefaultConfig() *Config {
	return &Config{
		Kernel:     kernel.DefaultConfig(),
		Governance: governance.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Server:     httpserver.DefaultConfig(),
		Database:   db.DefaultConfig(),
		Snapshots:  snapshot.DefaultRedisConfig(),
	}
}

// Load reads the configuration file at path, overlaying it onto the
// defaults so omitted fields keep their production values. An empty path
// skips the file entirely. Environment overrides apply last either way.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// Save writes the configuration to path as YAML.
func Save(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate reports every configuration violation across all components,
// each prefixed with the component name.
func (c *Config) Validate() []string {
	var problems []string
	for _, sub := range []struct {
		name     string
		problems []string
	}{
		{"kernel", c.Kernel.Validate()},
		{"governance", c.Governance.Validate()},
		{"pipeline", c.Pipeline.Validate()},
		{"server", c.Server.Validate()},
		{"database", c.Database.Validate()},
		{"snapshots", c.Snapshots.Validate()},
	} {
		for _, p := range sub.problems {
			problems = append(problems, sub.name+": "+p)
		}
	}
	return problems
}

// DefaultPath returns the conventional location of the config file.
func DefaultPath() string {
	return filepath.Join("config", "forecastrun.yaml")
}

// applyEnvOverrides lets deployments inject connection targets and
// credentials without editing the config file. YAML stays the source of
// truth for tuning parameters; the environment wins for secrets and
// per-host endpoints.
func applyEnvOverrides(config *Config) {
	envString(&config.Database.DSN, "PG_DSN")
	envBool(&config.Database.Enabled, "PG_ENABLED")
	envInt(&config.Database.MaxOpenConns, "PG_MAX_OPEN_CONNS")
	envInt(&config.Database.MaxIdleConns, "PG_MAX_IDLE_CONNS")
	envDuration(&config.Database.ConnMaxLifetime, "PG_CONN_MAX_LIFETIME")
	envDuration(&config.Database.ConnMaxIdleTime, "PG_CONN_MAX_IDLE_TIME")
	envDuration(&config.Database.QueryTimeout, "PG_QUERY_TIMEOUT")

	envString(&config.Snapshots.Addr, "REDIS_ADDR")
	envString(&config.Snapshots.Password, "REDIS_PASSWORD")
	envInt(&config.Snapshots.DB, "REDIS_DB")
	envBool(&config.Snapshots.Enabled, "REDIS_ENABLED")

	envString(&config.Server.Host, "HTTP_HOST")
	envInt(&config.Server.Port, "HTTP_PORT")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
