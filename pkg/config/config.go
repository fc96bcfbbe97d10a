package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied after the file and the environment have been read
const (
	DefaultListenAddr    = ":8080"
	DefaultStatusContext = "continuous-integration/travis-ci/push"
	DefaultCallTimeout   = 30 * time.Second
	DefaultLogLevel      = "info"
	NoticePath           = "/github-notice"
	StatusPath           = "/github-status"
	configDirName        = ".aelita"
	configFileName       = "config.yaml"
	redacted             = "[redacted]"
)

// Config represents the aelita configuration
type Config struct {
	GitHub GitHubConfig `yaml:"github"`
	Bot    BotConfig    `yaml:"bot"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// GitHubConfig holds the OAuth application and API settings
type GitHubConfig struct {
	ClientID     string        `yaml:"client_id" env:"AELITA_GITHUB_CLIENT_ID"`
	ClientSecret string        `yaml:"client_secret" env:"AELITA_GITHUB_CLIENT_SECRET"`
	APIBaseURL   string        `yaml:"api_base_url,omitempty" env:"AELITA_GITHUB_API_BASEURL"`
	CallTimeout  time.Duration `yaml:"call_timeout,omitempty" env:"AELITA_CALL_TIMEOUT"`
}

// BotConfig describes the bot account and where it receives events
type BotConfig struct {
	Username       string `yaml:"username" env:"AELITA_BOT_USERNAME"`
	BaseURL        string `yaml:"base_url" env:"AELITA_BOT_BASEURL"`
	DBURI          string `yaml:"db_uri" env:"AELITA_BOT_DBURI"`
	AccessToken    string `yaml:"access_token" env:"AELITA_BOT_ACCESS_TOKEN"`
	NoticeSecret   string `yaml:"notice_secret" env:"AELITA_BOT_NOTICE_SECRET"`
	StatusSecret   string `yaml:"status_secret" env:"AELITA_BOT_STATUS_SECRET"`
	DefaultContext string `yaml:"default_context,omitempty" env:"AELITA_DEFAULT_CONTEXT"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty" env:"AELITA_LISTEN_ADDR"`
	ViewSecret string `yaml:"view_secret" env:"AELITA_VIEW_SECRET"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level string `yaml:"level,omitempty" env:"AELITA_LOG_LEVEL"`
}

// LoadConfig loads configuration from the default location
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadConfigFromPath(configPath)
}

// LoadConfigFromPath loads configuration from a specific path, overlays the
// AELITA_* environment variables and fills in defaults
func LoadConfigFromPath(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// environment only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Bot.DefaultContext == "" {
		c.Bot.DefaultContext = DefaultStatusContext
	}
	if c.GitHub.CallTimeout <= 0 {
		c.GitHub.CallTimeout = DefaultCallTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	c.Bot.BaseURL = strings.TrimSuffix(c.Bot.BaseURL, "/")
}

// SaveConfigToPath saves configuration to a specific path. The file holds
// secrets, so it is written owner-only.
func (c *Config) SaveConfigToPath(path string) error {
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, configDirName, configFileName), nil
}

// Template returns a configuration with every key present, for `aelita init`
func Template() *Config {
	c := &Config{
		GitHub: GitHubConfig{
			ClientID:     "your-oauth-app-client-id",
			ClientSecret: "your-oauth-app-client-secret",
		},
		Bot: BotConfig{
			Username:     "your-bot-login",
			BaseURL:      "https://bot.example.com",
			DBURI:        "sqlite:////var/lib/aelita/aelita.db",
			AccessToken:  "bot-personal-access-token",
			NoticeSecret: "change-me-notice",
			StatusSecret: "change-me-status",
		},
		Server: ServerConfig{
			ViewSecret: "change-me-session",
		},
	}
	c.applyDefaults()
	return c
}

// ValidateDatabase checks the settings needed by store-only commands
func (c *Config) ValidateDatabase() error {
	if c.Bot.DBURI == "" {
		return fmt.Errorf("bot database URI is required (bot.db_uri or AELITA_BOT_DBURI)")
	}
	return nil
}

// Validate validates the configuration needed to serve and to onboard
// repositories
func (c *Config) Validate() error {
	required := []struct {
		value string
		name  string
	}{
		{c.GitHub.ClientID, "github.client_id"},
		{c.GitHub.ClientSecret, "github.client_secret"},
		{c.Bot.Username, "bot.username"},
		{c.Bot.BaseURL, "bot.base_url"},
		{c.Bot.DBURI, "bot.db_uri"},
		{c.Bot.AccessToken, "bot.access_token"},
		{c.Bot.NoticeSecret, "bot.notice_secret"},
		{c.Bot.StatusSecret, "bot.status_secret"},
		{c.Server.ViewSecret, "server.view_secret"},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Bot.NoticeSecret == c.Bot.StatusSecret {
		return fmt.Errorf("bot.notice_secret and bot.status_secret must differ")
	}

	if !strings.HasPrefix(c.Bot.BaseURL, "http://") && !strings.HasPrefix(c.Bot.BaseURL, "https://") {
		return fmt.Errorf("bot.base_url must be an http(s) URL, got %q", c.Bot.BaseURL)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// NoticeURL is where GitHub delivers comment and pull request events
func (b BotConfig) NoticeURL() string {
	return b.BaseURL + NoticePath
}

// StatusURL is where GitHub delivers commit status events
func (b BotConfig) StatusURL() string {
	return b.BaseURL + StatusPath
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// LogValue implements slog.LogValuer with every secret redacted
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("github.client_id", c.GitHub.ClientID),
		slog.String("github.client_secret", redact(c.GitHub.ClientSecret)),
		slog.String("github.api_base_url", c.GitHub.APIBaseURL),
		slog.Duration("github.call_timeout", c.GitHub.CallTimeout),
		slog.String("bot.username", c.Bot.Username),
		slog.String("bot.base_url", c.Bot.BaseURL),
		slog.String("bot.db_uri", c.Bot.DBURI),
		slog.String("bot.access_token", redact(c.Bot.AccessToken)),
		slog.String("bot.notice_secret", redact(c.Bot.NoticeSecret)),
		slog.String("bot.status_secret", redact(c.Bot.StatusSecret)),
		slog.String("bot.default_context", c.Bot.DefaultContext),
		slog.String("server.listen_addr", c.Server.ListenAddr),
		slog.String("server.view_secret", redact(c.Server.ViewSecret)),
		slog.String("log.level", c.Log.Level),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return redacted
}
