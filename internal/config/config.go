// Package config handles unilife configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline modes accepted by [PipelineConfig.Mode].
const (
	ModeSinglePass = "single_pass"
	ModeMultiStage = "multi_stage"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/unilife/config.yaml, /etc/unilife/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "unilife", "config.yaml"))
	}

	paths = append(paths, "/etc/unilife/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all unilife configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	LLM        LLMConfig        `yaml:"llm"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Observer   ObserverConfig   `yaml:"observer"`
	Reflection ReflectionConfig `yaml:"reflection"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the language model endpoint.
type LLMConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
	// Timeout bounds every individual LM call (e.g. "60s").
	Timeout string `yaml:"timeout"`
}

// PipelineConfig selects the process-wide pipeline shape and the loop budget.
type PipelineConfig struct {
	Mode          string              `yaml:"mode"`
	MaxIterations int                 `yaml:"max_iterations"`
	HistoryWindow int                 `yaml:"history_window"`
	ParallelTools bool                `yaml:"parallel_tools"`
	ContextFilter ContextFilterConfig `yaml:"context_filter"`
}

// ContextFilterConfig controls the optional transcript-shrinking pre-stage.
type ContextFilterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cutoff is the transcript length at or below which filtering is skipped.
	Cutoff int `yaml:"cutoff"`
}

// ObserverConfig holds the reflection trigger thresholds.
type ObserverConfig struct {
	VolumeThreshold  int    `yaml:"volume_threshold"`
	ElapsedThreshold string `yaml:"elapsed_threshold"`
	SweepInterval    string `yaml:"sweep_interval"`
	LeaseTTL         string `yaml:"lease_ttl"`
}

// ReflectionConfig controls the background preference extraction workers.
type ReflectionConfig struct {
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
	MinMessages int    `yaml:"min_messages"`
	Timeout     string `yaml:"timeout"`
}

// Load reads configuration from a YAML file. Values absent from the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		LLM: LLMConfig{
			URL:     "http://localhost:11434",
			Model:   "qwen3:8b",
			Timeout: "60s",
		},
		Pipeline: PipelineConfig{
			Mode:          ModeSinglePass,
			MaxIterations: 30,
			HistoryWindow: 20,
			ParallelTools: true,
			ContextFilter: ContextFilterConfig{Enabled: false, Cutoff: 3},
		},
		Observer: ObserverConfig{
			VolumeThreshold:  15,
			ElapsedThreshold: "30m",
			SweepInterval:    "5m",
			LeaseTTL:         "15m",
		},
		Reflection: ReflectionConfig{
			Workers:     1,
			QueueSize:   64,
			MinMessages: 2,
			Timeout:     "60s",
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate checks ranges and that every duration string parses.
func (c *Config) Validate() error {
	var errs []error

	switch c.Pipeline.Mode {
	case ModeSinglePass, ModeMultiStage:
	default:
		errs = append(errs, fmt.Errorf("pipeline.mode %q (valid: %s, %s)", c.Pipeline.Mode, ModeSinglePass, ModeMultiStage))
	}
	if c.Pipeline.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_iterations must be >= 0, got %d", c.Pipeline.MaxIterations))
	}
	if c.Pipeline.HistoryWindow <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_window must be > 0, got %d", c.Pipeline.HistoryWindow))
	}
	if c.Pipeline.ContextFilter.Cutoff < 0 {
		errs = append(errs, fmt.Errorf("pipeline.context_filter.cutoff must be >= 0, got %d", c.Pipeline.ContextFilter.Cutoff))
	}
	if c.Observer.VolumeThreshold <= 0 {
		errs = append(errs, fmt.Errorf("observer.volume_threshold must be > 0, got %d", c.Observer.VolumeThreshold))
	}
	if c.Reflection.Workers <= 0 {
		errs = append(errs, fmt.Errorf("reflection.workers must be > 0, got %d", c.Reflection.Workers))
	}
	if c.Reflection.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("reflection.queue_size must be > 0, got %d", c.Reflection.QueueSize))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	durations := []struct {
		field string
		value string
	}{
		{"llm.timeout", c.LLM.Timeout},
		{"observer.elapsed_threshold", c.Observer.ElapsedThreshold},
		{"observer.sweep_interval", c.Observer.SweepInterval},
		{"observer.lease_ttl", c.Observer.LeaseTTL},
		{"reflection.timeout", c.Reflection.Timeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", d.field, d.value, err))
			continue
		}
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.field, d.value))
		}
	}

	return errors.Join(errs...)
}

// mustDuration parses a duration already checked by [Config.Validate].
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// CallTimeout returns the per-call LM timeout.
func (l LLMConfig) CallTimeout() time.Duration { return mustDuration(l.Timeout) }

// Elapsed returns the elapsed-time trigger threshold.
func (o ObserverConfig) Elapsed() time.Duration { return mustDuration(o.ElapsedThreshold) }

// Interval returns the sweep interval.
func (o ObserverConfig) Interval() time.Duration { return mustDuration(o.SweepInterval) }

// TTL returns the sweep lease lifetime.
func (o ObserverConfig) TTL() time.Duration { return mustDuration(o.LeaseTTL) }

// ExtractTimeout returns the per-job extraction timeout.
func (r ReflectionConfig) ExtractTimeout() time.Duration { return mustDuration(r.Timeout) }
