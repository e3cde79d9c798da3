package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC (or YAML, by extension) config file, expands
// ${{ .Env.VAR }} templates, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before parsing, since templates are in strings)
	expanded := []byte(expandEnvTemplates(string(data)))

	var std []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		std, err = yamlToJSON(expanded)
	default:
		std, err = hujson.Standardize(expanded)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns a defaulted Config when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return Load(path)
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// json tags and the Duration decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DBPath()
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogDir == "" {
		cfg.Events.LogDir = EventsDir()
	}

	home, _ := os.UserHomeDir()
	if cfg.Runner.MaxConcurrent == 0 {
		cfg.Runner.MaxConcurrent = 2
	}
	if len(cfg.Runner.AllowedDirs) == 0 && home != "" {
		cfg.Runner.AllowedDirs = []string{home}
	}
	if cfg.Runner.DefaultDir == "" {
		cfg.Runner.DefaultDir = home
	}
	if cfg.Runner.GracePeriod == 0 {
		cfg.Runner.GracePeriod = Duration(5 * time.Second)
	}
	if cfg.Runner.OutputLimit == 0 {
		cfg.Runner.OutputLimit = 1 << 20
	}
	if cfg.Runner.SweepSchedule == "" {
		cfg.Runner.SweepSchedule = "@every 1m"
	}

	if cfg.Notify.RatePerSec == 0 {
		cfg.Notify.RatePerSec = 1
	}
	if cfg.Notify.Burst == 0 {
		cfg.Notify.Burst = 5
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = Duration(10 * time.Second)
	}
	if cfg.Notify.AgeKey == "" {
		cfg.Notify.AgeKey = AgeKeyPath()
	}
}
