// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Facebook application credentials.
	FacebookAppID       string `env:"PAGEBRIDGE_FB_APP_ID,required"`
	FacebookConfigID    string `env:"PAGEBRIDGE_FB_CONFIG_ID"`
	FacebookAppSecret   string `env:"PAGEBRIDGE_FB_APP_SECRET,required"`
	FacebookRedirectURL string `env:"PAGEBRIDGE_FB_REDIRECT_URL,required"`

	DiscordBotToken string `env:"PAGEBRIDGE_DISCORD_TOKEN,required"`

	ServerAddr   string `env:"PAGEBRIDGE_SERVER_ADDR" envDefault:":8080"`
	LoginPath    string `env:"PAGEBRIDGE_LOGIN_PATH" envDefault:"/login"`
	CallbackPath string `env:"PAGEBRIDGE_CALLBACK_PATH" envDefault:"/oauth/callback"`
	AdminToken   string `env:"PAGEBRIDGE_ADMIN_TOKEN,required"`

	// StoreDSN picks the backing database. A bare path or file:// means
	// embedded sqlite, postgres:// uses a server.
	StoreDSN string `env:"PAGEBRIDGE_STORE_DSN" envDefault:"pagebridge.db"`

	SyncInterval     time.Duration `env:"PAGEBRIDGE_SYNC_INTERVAL" envDefault:"15m"`
	FetchConcurrency int           `env:"PAGEBRIDGE_FETCH_CONCURRENCY" envDefault:"1"`
	OldestPostRaw    string        `env:"PAGEBRIDGE_OLDEST_POST"`

	StateTTL        time.Duration `env:"PAGEBRIDGE_STATE_TTL" envDefault:"5m"`
	RateLimitMax    int           `env:"PAGEBRIDGE_RATE_LIMIT_MAX" envDefault:"60"`
	RateLimitWindow time.Duration `env:"PAGEBRIDGE_RATE_LIMIT_WINDOW" envDefault:"1m"`

	// SetupMode serves only the auth and admin endpoints, without the
	// sync loop or the gateway. Useful for first-time page authorization.
	SetupMode bool `env:"PAGEBRIDGE_SETUP_MODE" envDefault:"false"`

	FormatFile string `env:"PAGEBRIDGE_FORMAT_FILE"`

	LogLevel  string `env:"PAGEBRIDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PAGEBRIDGE_LOG_FORMAT" envDefault:"text"`

	// OldestPost is parsed from OldestPostRaw. Zero means no lower bound
	// on post timestamps.
	OldestPost time.Time
}

// Load reads .env if present, then parses the environment. A missing
// .env file is not an error; a malformed one is.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return parse()
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	// env's required option only checks presence, so an empty-but-set
	// credential would slip through.
	required := []struct{ name, value string }{
		{"PAGEBRIDGE_FB_APP_ID", cfg.FacebookAppID},
		{"PAGEBRIDGE_FB_APP_SECRET", cfg.FacebookAppSecret},
		{"PAGEBRIDGE_FB_REDIRECT_URL", cfg.FacebookRedirectURL},
		{"PAGEBRIDGE_DISCORD_TOKEN", cfg.DiscordBotToken},
		{"PAGEBRIDGE_ADMIN_TOKEN", cfg.AdminToken},
	}
	for _, r := range required {
		if r.value == "" {
			return Config{}, fmt.Errorf("%s must not be empty", r.name)
		}
	}
	if cfg.OldestPostRaw != "" {
		oldest, err := time.Parse(time.RFC3339, cfg.OldestPostRaw)
		if err != nil {
			return Config{}, fmt.Errorf("parsing PAGEBRIDGE_OLDEST_POST: %w", err)
		}
		cfg.OldestPost = oldest
	}
	if cfg.FetchConcurrency < 1 {
		return Config{}, fmt.Errorf("PAGEBRIDGE_FETCH_CONCURRENCY must be at least 1")
	}
	if cfg.SyncInterval <= 0 {
		return Config{}, fmt.Errorf("PAGEBRIDGE_SYNC_INTERVAL must be positive")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("PAGEBRIDGE_LOG_LEVEL: %w", err)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("PAGEBRIDGE_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// NewLogger builds the process logger from the validated level and
// format fields.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
