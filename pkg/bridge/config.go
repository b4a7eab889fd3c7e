// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// MattermostConfig holds the conversation-platform connection settings.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// UserID is the bridge account's own Mattermost user id, used to tag
	// self-authored events.
	UserID string `yaml:"user_id"`
	TeamID string `yaml:"team_id"`
}

// MatrixConfig holds the channel-platform connection settings.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	// SpaceID is the parent space new channels are filed under. Optional.
	SpaceID string `yaml:"space_id"`
	// InviteUserID is invited into every created channel. Optional.
	InviteUserID string `yaml:"invite_user_id"`
}

// DatabaseConfig points at the bridge's sqlite database.
type DatabaseConfig struct {
	URI string `yaml:"uri"`
}

// RelayConfig holds the relay engine tunables.
type RelayConfig struct {
	CommandPrefix string `yaml:"command_prefix"`
	// Fingerprint lifetimes in seconds. Zero selects the built-in defaults.
	IDTTLSeconds        int `yaml:"id_ttl_seconds"`
	HeuristicTTLSeconds int `yaml:"heuristic_ttl_seconds"`
	// SettleDelayMS delays deferred-event replay after a send completes, so
	// a slow echo still meets its fingerprint.
	SettleDelayMS        int `yaml:"settle_delay_ms"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	// SyncOnStartup pre-creates channels for existing conversations.
	SyncOnStartup bool `yaml:"sync_on_startup"`
}

// MediaConfig holds the media pipeline settings.
type MediaConfig struct {
	TempDir   string `yaml:"temp_dir"`
	MaxBytes  int64  `yaml:"max_bytes"`
	MaxAgeSec int    `yaml:"max_age_seconds"`
}

// AdminConfig holds the admin HTTP API settings.
type AdminConfig struct {
	// Addr is the listen address. Empty disables the API.
	Addr string `yaml:"addr"`
}

// Config is the root bridge configuration.
type Config struct {
	Mattermost MattermostConfig  `yaml:"mattermost"`
	Matrix     MatrixConfig      `yaml:"matrix"`
	Database   DatabaseConfig    `yaml:"database"`
	Relay      RelayConfig       `yaml:"relay"`
	Media      MediaConfig       `yaml:"media"`
	Admin      AdminConfig       `yaml:"admin"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Relay.CommandPrefix == "" {
		c.Relay.CommandPrefix = "!bridge"
	}
	if c.Relay.SweepIntervalSeconds <= 0 {
		c.Relay.SweepIntervalSeconds = 60
	}
	if c.Media.TempDir == "" {
		c.Media.TempDir = os.TempDir()
	}
	if c.Media.MaxBytes <= 0 {
		c.Media.MaxBytes = 100 << 20
	}
	if c.Media.MaxAgeSec <= 0 {
		c.Media.MaxAgeSec = 3600
	}
	if c.Database.URI == "" {
		c.Database.URI = "file:mmbridge.db?_txlock=immediate"
	}
}

// placeholders that the example config ships with. A config still carrying
// one of these has not been filled in.
var configPlaceholders = []string{"CHANGE_ME", "your_token_here", "example.com"}

func isPlaceholder(v string) bool {
	for _, p := range configPlaceholders {
		if strings.Contains(v, p) {
			return true
		}
	}
	return false
}

// Validate rejects incomplete or still-templated configs.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value string
	}{
		{"mattermost.server_url", c.Mattermost.ServerURL},
		{"mattermost.token", c.Mattermost.Token},
		{"mattermost.user_id", c.Mattermost.UserID},
		{"matrix.homeserver_url", c.Matrix.HomeserverURL},
		{"matrix.user_id", c.Matrix.UserID},
		{"matrix.access_token", c.Matrix.AccessToken},
	}
	for _, check := range checks {
		if check.value == "" {
			return fmt.Errorf("config field %s is required", check.name)
		}
		if isPlaceholder(check.value) {
			return fmt.Errorf("config field %s still contains an example placeholder", check.name)
		}
	}
	if !strings.HasPrefix(c.Mattermost.ServerURL, "http://") && !strings.HasPrefix(c.Mattermost.ServerURL, "https://") {
		return fmt.Errorf("mattermost.server_url must be an http(s) URL")
	}
	if !strings.HasPrefix(c.Matrix.HomeserverURL, "http://") && !strings.HasPrefix(c.Matrix.HomeserverURL, "https://") {
		return fmt.Errorf("matrix.homeserver_url must be an http(s) URL")
	}
	if !strings.HasPrefix(strings.TrimSpace(c.Relay.CommandPrefix), "!") {
		return fmt.Errorf("relay.command_prefix must start with '!'")
	}
	return nil
}

// IDTTL returns the configured id-fingerprint lifetime.
func (c *RelayConfig) IDTTL() time.Duration {
	return time.Duration(c.IDTTLSeconds) * time.Second
}

// HeuristicTTL returns the configured heuristic-fingerprint lifetime.
func (c *RelayConfig) HeuristicTTL() time.Duration {
	return time.Duration(c.HeuristicTTLSeconds) * time.Second
}

// SettleDelay returns the configured deferred-replay settle delay.
func (c *RelayConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// SweepInterval returns the configured fingerprint sweep cadence.
func (c *RelayConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
