// Package config loads the engine's settings from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/wager-engine/internal/archive"
	"github.com/atmx/wager-engine/internal/payout"
)

// Config is the complete engine configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Store     StoreConfig        `yaml:"store"`
	Fees      payout.FeeSchedule `yaml:"fees"`
	Ledger    LedgerConfig       `yaml:"ledger"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Kafka     KafkaConfig        `yaml:"kafka"`
	Telegram  TelegramConfig     `yaml:"telegram"`
	Archive   archive.Config     `yaml:"archive"`
	Log       LogConfig          `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// StoreConfig selects the ledger backend: Postgres when DatabaseURL is set,
// else SQLite when SQLitePath is set, else memory.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	SQLitePath  string        `yaml:"sqlite_path"`
}

// LedgerConfig holds the accounting rules outside the fee schedule.
type LedgerConfig struct {
	HouseAccount   string          `yaml:"house_account"`
	ThesisMinStake decimal.Decimal `yaml:"thesis_min_stake"`
}

// RateLimitConfig is the per-client token bucket on stake placement.
// A zero PerSecond disables the limit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// KafkaConfig enables event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
}

// TelegramConfig enables resolution alerts when BotToken and ChatID are set.
type TelegramConfig struct {
	BotToken string   `yaml:"bot_token"`
	ChatID   string   `yaml:"chat_id"`
	APIBase  string   `yaml:"api_base"`
	Events   []string `yaml:"events"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Store: StoreConfig{
			CacheTTL: 30 * time.Second,
		},
		Fees: payout.DefaultFeeSchedule(),
		Ledger: LedgerConfig{
			HouseAccount:   "house@wager.local",
			ThesisMinStake: decimal.NewFromInt(50),
		},
		RateLimit: RateLimitConfig{PerSecond: 5, Burst: 10},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path over the defaults, then applies .env and
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PORT":               &cfg.Server.Port,
		"DATABASE_URL":       &cfg.Store.DatabaseURL,
		"REDIS_URL":          &cfg.Store.RedisURL,
		"SQLITE_PATH":        &cfg.Store.SQLitePath,
		"HOUSE_ACCOUNT":      &cfg.Ledger.HouseAccount,
		"KAFKA_BROKERS":      &cfg.Kafka.Brokers,
		"TELEGRAM_BOT_TOKEN": &cfg.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &cfg.Telegram.ChatID,
		"S3_ENDPOINT":        &cfg.Archive.Endpoint,
		"S3_REGION":          &cfg.Archive.Region,
		"S3_BUCKET":          &cfg.Archive.Bucket,
		"S3_ACCESS_KEY":      &cfg.Archive.AccessKey,
		"S3_SECRET_KEY":      &cfg.Archive.SecretKey,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("FEE_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: FEE_RATE: %w", err)
		}
		cfg.Fees.Rate = rate
	}
	if v := os.Getenv("FEE_THRESHOLD"); v != "" {
		threshold, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: FEE_THRESHOLD: %w", err)
		}
		cfg.Fees.Threshold = threshold
	}
	return nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if err := c.Fees.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Ledger.HouseAccount) == "" {
		errs = append(errs, errors.New("ledger.house_account is required"))
	}
	if c.Ledger.ThesisMinStake.IsNegative() {
		errs = append(errs, errors.New("ledger.thesis_min_stake must not be negative"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when per_second is set"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", f))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// TelegramEnabled reports whether resolution alerts are configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// ArchiveEnabled reports whether settlement receipts are archived.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
