/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package config loads plughost settings from a TOML file, LOQA_PLUGHOST_
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-plughost/internal/logging"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LOQA_PLUGHOST_"

type EngineConfig struct {
	TickMS          int `toml:"tick_ms"`
	MeterIntervalMS int `toml:"meter_interval_ms"`
	MeterSilenceMS  int `toml:"meter_silence_ms"`
	MaxBlock        int `toml:"max_block"`
}

type PluginsConfig struct {
	CompatFile    string   `toml:"compat_file"`
	BlacklistFile string   `toml:"blacklist_file"`
	SearchPaths   []string `toml:"search_paths"`
}

type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Enabled       bool   `toml:"enabled"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

type SupervisorConfig struct {
	ResponseTimeoutMS int    `toml:"response_timeout_ms"`
	StateFile         string `toml:"state_file"`
}

type SystemConfig struct {
	PerfTweaks       bool `toml:"perf_tweaks"`
	RealtimePriority bool `toml:"realtime_priority"`
}

// Config is the full process configuration.
type Config struct {
	Logging    logging.Config   `toml:"logging"`
	Engine     EngineConfig     `toml:"engine"`
	Plugins    PluginsConfig    `toml:"plugins"`
	NATS       NATSConfig       `toml:"nats"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	System     SystemConfig     `toml:"system"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: logging.Config{Level: "info", Format: "text"},
		Engine: EngineConfig{
			TickMS:          8,
			MeterIntervalMS: 16,
			MeterSilenceMS:  75,
			MaxBlock:        4096,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "loqa.plughost",
		},
		Supervisor: SupervisorConfig{
			ResponseTimeoutMS: 10000,
			StateFile:         "plughost-state.toml",
		},
		System: SystemConfig{PerfTweaks: true},
	}
}

// TickInterval is the control loop period.
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickMS) * time.Millisecond
}

func (e EngineConfig) MeterInterval() time.Duration {
	return time.Duration(e.MeterIntervalMS) * time.Millisecond
}

func (e EngineConfig) MeterSilence() time.Duration {
	return time.Duration(e.MeterSilenceMS) * time.Millisecond
}

func (s SupervisorConfig) ResponseTimeout() time.Duration {
	return time.Duration(s.ResponseTimeoutMS) * time.Millisecond
}

// setting binds one dotted key to a field.
type setting struct {
	key   string
	ptr   any
	usage string
}

func (c *Config) settings() []setting {
	return []setting{
		{"logging.level", &c.Logging.Level, "log level (debug, info, warn, error)"},
		{"logging.format", &c.Logging.Format, "log format (text or json)"},
		{"engine.tick_ms", &c.Engine.TickMS, "control loop period in milliseconds"},
		{"engine.meter_interval_ms", &c.Engine.MeterIntervalMS, "minimum interval between level meter events"},
		{"engine.meter_silence_ms", &c.Engine.MeterSilenceMS, "emit zero levels after this long without audio"},
		{"engine.max_block", &c.Engine.MaxBlock, "largest block size buffers are sized for"},
		{"plugins.compat_file", &c.Plugins.CompatFile, "plugin compatibility table (TOML)"},
		{"plugins.blacklist_file", &c.Plugins.BlacklistFile, "crash blacklist file (JSON)"},
		{"plugins.search_paths", &c.Plugins.SearchPaths, "directories searched for relative plugin paths"},
		{"nats.url", &c.NATS.URL, "NATS server URL"},
		{"nats.subject_prefix", &c.NATS.SubjectPrefix, "subject prefix for mirrored events and commands"},
		{"nats.enabled", &c.NATS.Enabled, "mirror engine events to NATS"},
		{"metrics.listen", &c.Metrics.Listen, "address for the Prometheus /metrics listener"},
		{"supervisor.response_timeout_ms", &c.Supervisor.ResponseTimeoutMS, "engine response timeout in milliseconds"},
		{"supervisor.state_file", &c.Supervisor.StateFile, "file holding the last successful start configuration"},
		{"system.perf_tweaks", &c.System.PerfTweaks, "raise process priority on start"},
		{"system.realtime_priority", &c.System.RealtimePriority, "try the highest process priority"},
	}
}

// FlagName converts a dotted key to its flag name: engine.tick_ms -> engine-tick-ms.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// EnvName converts a dotted key to its environment variable.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// RegisterFlags defines one flag per setting, defaulted from Default().
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	for _, s := range def.settings() {
		name := FlagName(s.key)
		switch p := s.ptr.(type) {
		case *string:
			fs.String(name, *p, s.usage)
		case *int:
			fs.Int(name, *p, s.usage)
		case *bool:
			fs.Bool(name, *p, s.usage)
		case *[]string:
			fs.StringSlice(name, *p, s.usage)
		}
	}
}

// Load builds the configuration. A missing file at path is not an error.
// flags may be nil; only flags explicitly set on the command line override.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse TOML config: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if flags != nil {
		if err := cfg.applyFlags(flags); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, s := range c.settings() {
		raw, ok := lookup(EnvName(s.key))
		if !ok || raw == "" {
			continue
		}
		if err := setFromString(s.ptr, raw); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvName(s.key), err)
		}
	}
	return nil
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	for _, s := range c.settings() {
		name := FlagName(s.key)
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		var err error
		switch p := s.ptr.(type) {
		case *string:
			*p, err = fs.GetString(name)
		case *int:
			*p, err = fs.GetInt(name)
		case *bool:
			*p, err = fs.GetBool(name)
		case *[]string:
			*p, err = fs.GetStringSlice(name)
		}
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

func setFromString(ptr any, raw string) error {
	switch p := ptr.(type) {
	case *string:
		*p = raw
	case *int:
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*p = v
	case *[]string:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
	}
	return nil
}
