package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

// OpenAIConfig describes the completion API endpoint. The per-user API key is
// not configured here; users supply their own via /setapi.
type OpenAIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ValidateTimeout time.Duration `mapstructure:"validate_timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variable overrides
	viper.BindEnv("bot.token", "BOT_TOKEN")
	viper.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("storage.path", "STORAGE_PATH")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.OpenAI.RequestTimeout == 0 {
		cfg.OpenAI.RequestTimeout = 60 * time.Second
	}
	if cfg.OpenAI.ValidateTimeout == 0 {
		cfg.OpenAI.ValidateTimeout = 10 * time.Second
	}
	if cfg.Bot.UpdateTimeout == 0 {
		cfg.Bot.UpdateTimeout = 60
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/bot.db"
	}
	if cfg.I18n.Directory == "" {
		cfg.I18n.Directory = "configs/i18n"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if cfg.I18n.DefaultLanguage == "" {
		return fmt.Errorf("default language is required")
	}
	if len(cfg.I18n.Languages) == 0 {
		return fmt.Errorf("at least one language is required")
	}
	found := false
	for _, lang := range cfg.I18n.Languages {
		if lang == cfg.I18n.DefaultLanguage {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default language %q is not in the language list", cfg.I18n.DefaultLanguage)
	}
	return nil
}
