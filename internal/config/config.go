// Package config implements the configuration loader (C11): it merges
// built-in defaults, an optional YAML config file, environment variables,
// and CLI flags, in that increasing order of precedence, into one
// immutable Config value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/fhir-ig/agent/internal/cachekey"
	"github.com/fhir-ig/agent/internal/logging"
)

// DefaultRegistries is used when neither a config file, environment
// variable, nor flag supplies a registry list.
var DefaultRegistries = []string{"https://packages.fhir.org", "https://packages2.fhir.org/packages"}

// Config is the fully merged, validated configuration for one invocation.
type Config struct {
	Root                   string
	PipeBase               string
	MaxConcurrentDownloads int
	Registries             []string
	PreserveTarballs       bool
	HTTPTimeout            time.Duration
	MaxRetries             int
	RetryDelay             time.Duration
	LogLevel               logging.Level
	LogJSON                bool
	MetricsAddr            string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Root:                   "~/.fhir",
		MaxConcurrentDownloads: 4,
		Registries:             append([]string(nil), DefaultRegistries...),
		PreserveTarballs:       false,
		HTTPTimeout:            10 * time.Minute,
		MaxRetries:             3,
		RetryDelay:             500 * time.Millisecond,
		LogLevel:               logging.InfoLevel,
	}
}

// fileOverlay mirrors Config with pointer/slice fields so a YAML document
// can supply only a subset of keys.
type fileOverlay struct {
	Root                   *string  `yaml:"root"`
	PipeBase               *string  `yaml:"pipe"`
	MaxConcurrentDownloads *int     `yaml:"max"`
	Registries             []string `yaml:"registries"`
	PreserveTarballs       *bool    `yaml:"preserve_tar"`
	HTTPTimeoutSeconds     *int     `yaml:"http_timeout"`
	MaxRetries             *int     `yaml:"max_retries"`
	RetryDelaySeconds      *float64 `yaml:"retry_delay"`
	LogLevel               *string `yaml:"log_level"`
	MetricsAddr            *string `yaml:"metrics_addr"`
}

// Load builds a Config from defaults, an optional config file, environment
// variables, and any flags explicitly set on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Root must be resolved before the config file can be located, so its
	// env/flag precedence is applied here; applyFlags/applyEnv below apply
	// it again along with everything else, so an env or flag root still
	// takes precedence over a root set in the config file.
	if v := os.Getenv("FHIR_IG_AGENT_ROOT"); v != "" && !changed(fs, "root") {
		cfg.Root = v
	}
	applyFlagIfChanged(fs, "root", &cfg.Root)

	configPath := defaultConfigPath(cfg.Root)
	if p, ok := flagString(fs, "config"); ok && p != "" {
		configPath = p
	}

	if data, err := os.ReadFile(configPath); err == nil {
		var overlay fileOverlay
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
		applyFileOverlay(cfg, &overlay)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	applyEnv(cfg)
	applyFlags(cfg, fs)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfigPath(root string) string {
	normalized, err := cachekey.Normalize(root)
	if err != nil {
		normalized = root
	}
	return filepath.Join(normalized, "agent.yaml")
}

func applyFileOverlay(cfg *Config, o *fileOverlay) {
	if o.Root != nil {
		cfg.Root = *o.Root
	}
	if o.PipeBase != nil {
		cfg.PipeBase = *o.PipeBase
	}
	if o.MaxConcurrentDownloads != nil {
		cfg.MaxConcurrentDownloads = *o.MaxConcurrentDownloads
	}
	if len(o.Registries) > 0 {
		cfg.Registries = o.Registries
	}
	if o.PreserveTarballs != nil {
		cfg.PreserveTarballs = *o.PreserveTarballs
	}
	if o.HTTPTimeoutSeconds != nil {
		cfg.HTTPTimeout = time.Duration(*o.HTTPTimeoutSeconds) * time.Second
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	if o.RetryDelaySeconds != nil {
		cfg.RetryDelay = time.Duration(*o.RetryDelaySeconds * float64(time.Second))
	}
	if o.LogLevel != nil {
		cfg.LogLevel = logging.Level(*o.LogLevel)
	}
	if o.MetricsAddr != nil {
		cfg.MetricsAddr = *o.MetricsAddr
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FHIR_IG_AGENT_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("FHIR_IG_AGENT_REGISTRIES"); v != "" {
		cfg.Registries = splitAndTrim(v)
	}
	if v := os.Getenv("FHIR_IG_AGENT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentDownloads = n
		}
	}
	if v := os.Getenv("FHIR_IG_AGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = logging.Level(v)
	}
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if fs == nil {
		return
	}
	applyFlagIfChanged(fs, "root", &cfg.Root)
	applyFlagIfChanged(fs, "pipe", &cfg.PipeBase)
	if v, ok := flagIntChanged(fs, "max"); ok {
		cfg.MaxConcurrentDownloads = v
	}
	if v, ok := flagStringChanged(fs, "registries"); ok {
		cfg.Registries = splitAndTrim(v)
	}
	if changed(fs, "preserve-tar") {
		if v, err := fs.GetBool("preserve-tar"); err == nil {
			cfg.PreserveTarballs = v
		}
	}
	if v, ok := flagIntChanged(fs, "http-timeout"); ok {
		cfg.HTTPTimeout = time.Duration(v) * time.Second
	}
	if v, ok := flagIntChanged(fs, "max-retries"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := flagIntChanged(fs, "retry-delay"); ok {
		cfg.RetryDelay = time.Duration(v) * time.Second
	}
	if v, ok := flagStringChanged(fs, "log-level"); ok {
		cfg.LogLevel = logging.Level(v)
	}
	if changed(fs, "log-json") {
		if v, err := fs.GetBool("log-json"); err == nil {
			cfg.LogJSON = v
		}
	}
	if v, ok := flagStringChanged(fs, "metrics-addr"); ok {
		cfg.MetricsAddr = v
	}
}

func validate(cfg *Config) error {
	if cfg.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("config: max concurrent downloads must be >= 1, got %d", cfg.MaxConcurrentDownloads)
	}
	if len(cfg.Registries) == 0 {
		return fmt.Errorf("config: at least one registry must be configured")
	}
	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("config: http timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must be >= 0")
	}
	return nil
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func changed(fs *pflag.FlagSet, name string) bool {
	if fs == nil {
		return false
	}
	f := fs.Lookup(name)
	return f != nil && f.Changed
}

func flagString(fs *pflag.FlagSet, name string) (string, bool) {
	if fs == nil || fs.Lookup(name) == nil {
		return "", false
	}
	v, err := fs.GetString(name)
	return v, err == nil
}

func flagStringChanged(fs *pflag.FlagSet, name string) (string, bool) {
	if !changed(fs, name) {
		return "", false
	}
	return flagString(fs, name)
}

func flagIntChanged(fs *pflag.FlagSet, name string) (int, bool) {
	if !changed(fs, name) {
		return 0, false
	}
	v, err := fs.GetInt(name)
	return v, err == nil
}

func applyFlagIfChanged(fs *pflag.FlagSet, name string, dst *string) {
	if v, ok := flagStringChanged(fs, name); ok {
		*dst = v
	}
}
