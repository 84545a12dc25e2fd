package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleString is a string that also accepts JSON numbers, so QQ group and
// Telegram chat ids can be written as 123 or "123".
type FlexibleString string

func (f *FlexibleString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleString(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexibleString(n.String())
	return nil
}

func (f FlexibleString) String() string { return string(f) }

type Config struct {
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Links    []LinkConfig   `json:"links" yaml:"links"`
	Adapters AdaptersConfig `json:"adapters" yaml:"adapters"`
	mu       sync.RWMutex
}

type RelayConfig struct {
	// Recent is the number of messages remembered per origin channel for
	// quote resolution and deletion.
	Recent          int    `json:"recent" yaml:"recent" env:"PARTYLINE_RELAY_RECENT"`
	DedupRedelivery bool   `json:"dedup_redelivery" yaml:"dedup_redelivery" env:"PARTYLINE_RELAY_DEDUP_REDELIVERY"`
	StatusCron      string `json:"status_cron" yaml:"status_cron" env:"PARTYLINE_RELAY_STATUS_CRON"`
}

// LinkConfig is one relay group: every endpoint receives what the others say.
type LinkConfig []EndpointConfig

// EndpointConfig is the partial, user-written form of an endpoint. Nil
// pointers fall back to the platform defaults when the topology is resolved.
type EndpointConfig struct {
	Platform     string         `json:"platform" yaml:"platform"`
	ChannelID    FlexibleString `json:"channel_id" yaml:"channel_id"`
	BotID        FlexibleString `json:"bot_id" yaml:"bot_id"`
	MentionOnly  *bool          `json:"mention_only,omitempty" yaml:"mention_only,omitempty"`
	UsePrefix    *bool          `json:"use_prefix,omitempty" yaml:"use_prefix,omitempty"`
	MsgPrefix    *string        `json:"msg_prefix,omitempty" yaml:"msg_prefix,omitempty"`
	GuildID      string         `json:"guild_id,omitempty" yaml:"guild_id,omitempty"`
	WebhookID    string         `json:"webhook_id,omitempty" yaml:"webhook_id,omitempty"`
	WebhookToken string         `json:"webhook_token,omitempty" yaml:"webhook_token,omitempty"`
}

type AdaptersConfig struct {
	OneBot   OneBotConfig   `json:"onebot" yaml:"onebot"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	QQBot    QQBotConfig    `json:"qqbot" yaml:"qqbot"`
	Console  ConsoleConfig  `json:"console" yaml:"console"`
}

type OneBotConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled" env:"PARTYLINE_ADAPTERS_ONEBOT_ENABLED"`
	WSUrl             string `json:"ws_url" yaml:"ws_url" env:"PARTYLINE_ADAPTERS_ONEBOT_WS_URL"`
	AccessToken       string `json:"access_token" yaml:"access_token" env:"PARTYLINE_ADAPTERS_ONEBOT_ACCESS_TOKEN"`
	SelfID            string `json:"self_id" yaml:"self_id" env:"PARTYLINE_ADAPTERS_ONEBOT_SELF_ID"`
	ReconnectInterval int    `json:"reconnect_interval" yaml:"reconnect_interval" env:"PARTYLINE_ADAPTERS_ONEBOT_RECONNECT_INTERVAL"`
	APITimeoutSeconds int    `json:"api_timeout_seconds" yaml:"api_timeout_seconds" env:"PARTYLINE_ADAPTERS_ONEBOT_API_TIMEOUT_SECONDS"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"PARTYLINE_ADAPTERS_DISCORD_ENABLED"`
	Token   string `json:"token" yaml:"token" env:"PARTYLINE_ADAPTERS_DISCORD_TOKEN"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"PARTYLINE_ADAPTERS_TELEGRAM_ENABLED"`
	Token   string `json:"token" yaml:"token" env:"PARTYLINE_ADAPTERS_TELEGRAM_TOKEN"`
	Proxy   string `json:"proxy" yaml:"proxy" env:"PARTYLINE_ADAPTERS_TELEGRAM_PROXY"`
}

type QQBotConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"PARTYLINE_ADAPTERS_QQBOT_ENABLED"`
	AppID     string `json:"app_id" yaml:"app_id" env:"PARTYLINE_ADAPTERS_QQBOT_APP_ID"`
	AppSecret string `json:"app_secret" yaml:"app_secret" env:"PARTYLINE_ADAPTERS_QQBOT_APP_SECRET"`
}

type ConsoleConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"PARTYLINE_ADAPTERS_CONSOLE_ENABLED"`
	ChannelID string `json:"channel_id" yaml:"channel_id" env:"PARTYLINE_ADAPTERS_CONSOLE_CHANNEL_ID"`
	UserName  string `json:"user_name" yaml:"user_name" env:"PARTYLINE_ADAPTERS_CONSOLE_USER_NAME"`
}

const DefaultRecent = 1000

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Recent:          DefaultRecent,
			DedupRedelivery: false,
			StatusCron:      "*/30 * * * *",
		},
		Links: []LinkConfig{},
		Adapters: AdaptersConfig{
			OneBot: OneBotConfig{
				Enabled:           false,
				WSUrl:             "ws://127.0.0.1:3001",
				AccessToken:       "",
				ReconnectInterval: 5,
				APITimeoutSeconds: 8,
			},
			Discord: DiscordConfig{
				Enabled: false,
				Token:   "",
			},
			Telegram: TelegramConfig{
				Enabled: false,
				Token:   "",
			},
			QQBot: QQBotConfig{
				Enabled:   false,
				AppID:     "",
				AppSecret: "",
			},
			Console: ConsoleConfig{
				Enabled:   false,
				ChannelID: "console",
				UserName:  "console",
			},
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies PARTYLINE_* environment overrides. A missing file yields the
// defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		if isYAML(path) {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.Relay.Recent <= 0 {
		cfg.Relay.Recent = DefaultRecent
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// DefaultPath is ~/.partyline/config.json.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".partyline", "config.json")
}
