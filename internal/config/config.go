// Package config handles zaprelay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./zaprelay.yaml, ~/.config/zaprelay/zaprelay.yaml,
// /etc/zaprelay/zaprelay.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"zaprelay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "zaprelay", "zaprelay.yaml"))
	}

	paths = append(paths, "/etc/zaprelay/zaprelay.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all zaprelay configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Auth       AuthConfig       `yaml:"auth"`
	Window     WindowConfig     `yaml:"window"`
	Archive    ArchiveConfig    `yaml:"archive"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	LogLevel   string           `yaml:"log_level"`
}

// GatewayConfig defines the WhatsApp gateway sidecar connection.
type GatewayConfig struct {
	// URL is the websocket endpoint of the gateway sidecar
	// (e.g., ws://127.0.0.1:8466/ws).
	URL string `yaml:"url"`
	// GroupMatch selects how group conversation ids are recognized:
	// "suffix" (id ends with the group domain) or "contains".
	GroupMatch string `yaml:"group_match"`
	// GroupDomain is the id fragment identifying group chats.
	GroupDomain string `yaml:"group_domain"`
	// RateLimit caps messages per sender per minute. 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// OllamaConfig defines the inference backend connection.
type OllamaConfig struct {
	URL string `yaml:"url"`
	// TimeoutSec bounds a single chat call. Default 300.
	TimeoutSec int `yaml:"timeout_sec"`
}

// TranscribeConfig defines the voice transcription sidecar.
type TranscribeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// TimeoutSec bounds a single transcription call. Default 60.
	TimeoutSec int `yaml:"timeout_sec"`
}

// AuthConfig defines the authorization gate behaviour.
type AuthConfig struct {
	// Policy selects how unknown conversations are handled:
	// "enroll" (ask an external decider), "allowlist" (reject),
	// or "open" (auto-authorize with the default model).
	Policy string `yaml:"policy"`
	// StorePath is the JSON allow-list file. Created empty if absent.
	StorePath string `yaml:"store_path"`
	// DefaultModel is assigned on enrollment and used when a record
	// has no model of its own.
	DefaultModel string `yaml:"default_model"`
	// FlushIntervalSec controls persistence: 0 flushes on every
	// mutation, otherwise a ticker flushes dirty state.
	FlushIntervalSec int `yaml:"flush_interval_sec"`
}

// WindowConfig defines the rolling context window.
type WindowConfig struct {
	// Limit is the maximum turns kept per conversation.
	Limit int `yaml:"limit"`
}

// ArchiveConfig defines the optional transcript archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig defines the optional stats publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topic is the base topic; defaults to "zaprelay".
	Topic string `yaml:"topic"`
	// PublishIntervalSec is the stats publish cadence. Default 60.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:         "ws://127.0.0.1:8466/ws",
			GroupMatch:  "suffix",
			GroupDomain: "@g.us",
		},
		Ollama: OllamaConfig{
			URL:        "http://127.0.0.1:11434",
			TimeoutSec: 300,
		},
		Transcribe: TranscribeConfig{
			URL:        "http://127.0.0.1:5000",
			TimeoutSec: 60,
		},
		Auth: AuthConfig{
			Policy:           "enroll",
			StorePath:        "authorized.json",
			DefaultModel:     "llama3.1",
			FlushIntervalSec: 60,
		},
		Window: WindowConfig{
			Limit: 6,
		},
		Archive: ArchiveConfig{
			Path: "transcripts.db",
		},
		MQTT: MQTTConfig{
			Topic:              "zaprelay",
			PublishIntervalSec: 60,
		},
	}
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	switch c.Auth.Policy {
	case "enroll", "allowlist", "open":
	default:
		return fmt.Errorf("unknown auth policy %q (valid: enroll, allowlist, open)", c.Auth.Policy)
	}

	switch c.Gateway.GroupMatch {
	case "suffix", "contains":
	default:
		return fmt.Errorf("unknown group_match %q (valid: suffix, contains)", c.Gateway.GroupMatch)
	}

	if c.Window.Limit <= 0 {
		return fmt.Errorf("window limit must be positive, got %d", c.Window.Limit)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// OllamaTimeout returns the chat call timeout as a duration.
func (c *Config) OllamaTimeout() time.Duration {
	if c.Ollama.TimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Ollama.TimeoutSec) * time.Second
}

// TranscribeTimeout returns the transcription call timeout as a duration.
func (c *Config) TranscribeTimeout() time.Duration {
	if c.Transcribe.TimeoutSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Transcribe.TimeoutSec) * time.Second
}
