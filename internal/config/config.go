// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// secretKeySize is the AES-256 key length the credential vault expects.
const secretKeySize = 32

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// SecretKey is nil when WORKDIGEST_SECRET_KEY is unset. The vault then
	// refuses to store or reveal credentials.
	SecretKey []byte

	ListenAddr string
	DBPath     string

	TelegramBotToken string
	AnthropicAPIKey  string
	AnthropicModel   string

	TickInterval     time.Duration
	FetchTimeout     time.Duration
	FetchConcurrency int
	MaxRunDuration   time.Duration
	SummarizeTimeout time.Duration
	PromptBudget     int

	DeliveryMaxAttempts    int
	DeliveryInitialBackoff time.Duration
	DeliveryMaxBackoff     time.Duration

	AuthFailureThreshold int
	InitialLookback      time.Duration

	LogLevel slog.Level
	LogJSON  bool
}

// HasSummarizer reports whether an LLM backend is configured. Without one,
// every digest uses the fallback renderer.
func (c *Config) HasSummarizer() bool {
	return c.AnthropicAPIKey != ""
}

// LoadDotEnv loads .env.local then .env from the working directory. Values
// already present in the environment win, and missing files are ignored.
func LoadDotEnv() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", name, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables and returns a validated Config.
// Every variable is optional. WORKDIGEST_SECRET_KEY must decode (hex or base64)
// to exactly 32 bytes when set.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:             envString("WORKDIGEST_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:                 envString("WORKDIGEST_DB_PATH", "workdigest.db"),
		TelegramBotToken:       os.Getenv("WORKDIGEST_TELEGRAM_BOT_TOKEN"),
		AnthropicAPIKey:        os.Getenv("WORKDIGEST_ANTHROPIC_API_KEY"),
		AnthropicModel:         envString("WORKDIGEST_ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		TickInterval:           30 * time.Second,
		FetchTimeout:           30 * time.Second,
		FetchConcurrency:       4,
		MaxRunDuration:         10 * time.Minute,
		SummarizeTimeout:       60 * time.Second,
		PromptBudget:           12000,
		DeliveryMaxAttempts:    5,
		DeliveryInitialBackoff: 2 * time.Second,
		DeliveryMaxBackoff:     time.Minute,
		AuthFailureThreshold:   3,
		InitialLookback:        24 * time.Hour,
		LogLevel:               slog.LevelInfo,
	}

	key, err := ParseSecretKey("WORKDIGEST_SECRET_KEY", os.Getenv("WORKDIGEST_SECRET_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.SecretKey = key

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"WORKDIGEST_TICK_INTERVAL", &cfg.TickInterval},
		{"WORKDIGEST_FETCH_TIMEOUT", &cfg.FetchTimeout},
		{"WORKDIGEST_MAX_RUN_DURATION", &cfg.MaxRunDuration},
		{"WORKDIGEST_SUMMARIZE_TIMEOUT", &cfg.SummarizeTimeout},
		{"WORKDIGEST_DELIVERY_INITIAL_BACKOFF", &cfg.DeliveryInitialBackoff},
		{"WORKDIGEST_DELIVERY_MAX_BACKOFF", &cfg.DeliveryMaxBackoff},
		{"WORKDIGEST_INITIAL_LOOKBACK", &cfg.InitialLookback},
	}
	for _, d := range durations {
		if err := envDuration(d.name, d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"WORKDIGEST_FETCH_CONCURRENCY", &cfg.FetchConcurrency},
		{"WORKDIGEST_PROMPT_BUDGET", &cfg.PromptBudget},
		{"WORKDIGEST_DELIVERY_MAX_ATTEMPTS", &cfg.DeliveryMaxAttempts},
		{"WORKDIGEST_AUTH_FAILURE_THRESHOLD", &cfg.AuthFailureThreshold},
	}
	for _, i := range ints {
		if err := envPositiveInt(i.name, i.dst); err != nil {
			return nil, err
		}
	}

	if v, ok := os.LookupEnv("WORKDIGEST_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("WORKDIGEST_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	if v, ok := os.LookupEnv("WORKDIGEST_LOG_JSON"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("WORKDIGEST_LOG_JSON has invalid boolean %q: %w", v, err)
		}
		cfg.LogJSON = parsed
	}

	if cfg.DeliveryMaxBackoff < cfg.DeliveryInitialBackoff {
		return nil, fmt.Errorf("WORKDIGEST_DELIVERY_MAX_BACKOFF (%s) is below WORKDIGEST_DELIVERY_INITIAL_BACKOFF (%s)",
			cfg.DeliveryMaxBackoff, cfg.DeliveryInitialBackoff)
	}

	return cfg, nil
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func envDuration(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", name, v, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, v)
	}
	*dst = parsed
	return nil
}

func envPositiveInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s has invalid integer %q: %w", name, v, err)
	}
	if parsed < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", name, parsed)
	}
	*dst = parsed
	return nil
}

// ParseSecretKey decodes the value of the named variable from 64 hex
// characters or standard base64 of 32 bytes. An empty value yields nil.
func ParseSecretKey(name, v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}

	if key, err := hex.DecodeString(v); err == nil {
		if len(key) != secretKeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", name, secretKeySize, len(key))
		}
		return key, nil
	}

	key, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s is neither hex nor base64", name)
	}
	if len(key) != secretKeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", name, secretKeySize, len(key))
	}
	return key, nil
}
