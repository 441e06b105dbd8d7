// Package config loads the agent-sessions configuration: built-in defaults,
// an optional agent-sessions.yaml, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the config file.
const (
	EnvRefreshInterval = "AGENT_SESSIONS_REFRESH_INTERVAL"
	EnvDebug           = "AGENT_SESSIONS_DEBUG"
)

const configFilename = "agent-sessions.yaml"

// Config is the merged agent-sessions configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RefreshInterval is the snapshot freshness window in seconds.
	// Zero reloads on every access.
	RefreshInterval float64 `yaml:"refresh_interval"`

	// Watch enables filesystem watching of provider directories.
	Watch bool `yaml:"watch"`

	Debug    bool   `yaml:"debug"`
	CacheDir string `yaml:"cache_dir"`

	Providers ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig pins provider base directories. Empty values fall back to
// the per-provider environment variable or home default.
type ProvidersConfig struct {
	CodexHome  string `yaml:"codex_home"`
	ClaudeHome string `yaml:"claude_home"`
	GeminiHome string `yaml:"gemini_home"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            8765,
		RefreshInterval: 30,
	}
}

// Load merges defaults, the config file, and environment overrides. An
// explicit path must exist; the default locations are optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else {
		for _, candidate := range defaultPaths() {
			data, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", candidate, err)
			}
			break
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaultPaths() []string {
	paths := []string{configFilename}
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configHome = filepath.Join(home, ".config")
		}
	}
	if configHome != "" {
		paths = append(paths, filepath.Join(configHome, "agent-sessions", configFilename))
	}
	return paths
}

func (c *Config) applyEnv() {
	if value := strings.TrimSpace(os.Getenv(EnvRefreshInterval)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed >= 0 {
			c.RefreshInterval = parsed
		}
	}
	if truthy(os.Getenv(EnvDebug)) {
		c.Debug = true
	}
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
