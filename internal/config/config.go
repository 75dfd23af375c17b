// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: YAML with environment variable expansion, env overrides, validation

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Routing   RoutingConfig   `yaml:"routing"`
	Channels  ChannelsConfig  `yaml:"channels"`
	HTTP      HTTPConfig      `yaml:"http"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BackendConfig holds the agent backend connection settings
type BackendConfig struct {
	URL   string `yaml:"url" env:"RELAY_BACKEND_URL"`
	Token string `yaml:"token" env:"RELAY_BACKEND_TOKEN"`
}

// GatewayConfig holds dispatch and retention behavior
type GatewayConfig struct {
	StorePath         string   `yaml:"store_path"`
	Model             string   `yaml:"model"`
	TitleTemplate     string   `yaml:"title_template"`
	ApprovalMode      string   `yaml:"approval_mode"`
	ApprovalAllowlist []string `yaml:"approval_allowlist"`

	DeliveryContextTTL time.Duration `yaml:"-"`
	PruneAfter         time.Duration `yaml:"-"`
	DedupeTTL          time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DeliveryContextTTLRaw string `yaml:"delivery_context_ttl"`
	PruneAfterRaw         string `yaml:"prune_after"`
	DedupeTTLRaw          string `yaml:"dedupe_ttl"`
}

// RoutingConfig holds DM scope and explicit binding rules
type RoutingConfig struct {
	DMScope  string          `yaml:"dm_scope"`
	Bindings []BindingConfig `yaml:"bindings"`
}

// BindingConfig pins a channel (and optionally a peer) to a fixed routing key
type BindingConfig struct {
	Channel    string `yaml:"channel"`
	Direct     string `yaml:"direct"`
	Group      string `yaml:"group"`
	RoutingKey string `yaml:"routing_key"`
}

// ChannelsConfig holds configuration for all chat platform adapters
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
}

// SlackConfig holds Slack socket-mode configuration
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token" env:"SLACK_BOT_TOKEN"`
	AppToken string `yaml:"app_token" env:"SLACK_APP_TOKEN"`
}

// DiscordConfig holds Discord bot configuration
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token" env:"DISCORD_BOT_TOKEN"`
}

// HTTPConfig holds the gateway's own HTTP API settings
type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token" env:"RELAY_HTTP_TOKEN"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// well-known environment variables override their file counterparts, so
// tokens never need to live in the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			StorePath:          "relay-gateway.db",
			TitleTemplate:      "{channel} / {peer}",
			ApprovalMode:       "deny_all",
			DeliveryContextTTL: 24 * time.Hour,
			PruneAfter:         30 * 24 * time.Hour,
			DedupeTTL:          10 * time.Minute,
		},
		Routing: RoutingConfig{DMScope: "per_channel_peer"},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets well-known environment variables win over file
// values for tokens and endpoints.
func applyEnvOverrides(cfg *Config) error {
	for _, target := range []any{
		&cfg.Backend,
		&cfg.Channels.Telegram,
		&cfg.Channels.Slack,
		&cfg.Channels.Discord,
		&cfg.HTTP,
		&cfg.Tailscale,
	} {
		if err := env.Parse(target); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Gateway.StorePath == "" {
		return fmt.Errorf("gateway.store_path is required")
	}

	if !c.Channels.Telegram.Enabled && !c.Channels.Slack.Enabled && !c.Channels.Discord.Enabled {
		return fmt.Errorf("at least one channel must be enabled")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}
	if c.Channels.Slack.Enabled {
		if c.Channels.Slack.BotToken == "" {
			return fmt.Errorf("channels.slack.bot_token is required when slack is enabled")
		}
		if c.Channels.Slack.AppToken == "" {
			return fmt.Errorf("channels.slack.app_token is required when slack is enabled")
		}
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return fmt.Errorf("channels.discord.bot_token is required when discord is enabled")
	}

	if c.Gateway.ApprovalMode == "allowlist" && len(c.Gateway.ApprovalAllowlist) == 0 {
		return fmt.Errorf("gateway.approval_allowlist must not be empty in allowlist mode")
	}

	switch c.Routing.DMScope {
	case "main", "per_peer", "per_channel_peer":
	default:
		return fmt.Errorf("routing.dm_scope must be one of main, per_peer, per_channel_peer")
	}

	for i, b := range c.Routing.Bindings {
		if b.Channel == "" {
			return fmt.Errorf("routing.bindings[%d].channel is required", i)
		}
		if b.RoutingKey == "" {
			return fmt.Errorf("routing.bindings[%d].routing_key is required", i)
		}
	}

	if !c.Tailscale.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	parse := func(raw, name string, out *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", name, raw, err)
		}
		*out = d
		return nil
	}

	if err := parse(cfg.Gateway.DeliveryContextTTLRaw, "delivery_context_ttl", &cfg.Gateway.DeliveryContextTTL); err != nil {
		return err
	}
	if err := parse(cfg.Gateway.PruneAfterRaw, "prune_after", &cfg.Gateway.PruneAfter); err != nil {
		return err
	}
	return parse(cfg.Gateway.DedupeTTLRaw, "dedupe_ttl", &cfg.Gateway.DedupeTTL)
}
