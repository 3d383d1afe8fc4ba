// Package config loads gateway configuration from the environment, with
// the same getEnv* helper family and singleton-via-sync.Once shape the
// teacher repo uses (pkg/config/config.go), re-keyed to the schema
// enumerated in spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
)

// RateLimitConfig holds the per-user token-bucket parameters (spec §4.4).
type RateLimitConfig struct {
	MaxTokens      int
	RefillPerSec   float64
	WindowDuration time.Duration
}

// CircuitConfig holds the AI-oracle circuit breaker parameters (spec §4.5).
type CircuitConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

// Config holds all gateway configuration (spec §6).
type Config struct {
	PrivateKey string
	AIAPIKey   string
	BotName    string
	Relays     []string

	ResponseDelay   time.Duration
	MaxConcurrent   int
	MaxQueueSize    int
	QueueTimeout    time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	ReconnectBase   time.Duration
	ReconnectCeil   time.Duration
	ReconnectCeilN  int

	RateLimit RateLimitConfig
	Circuit   CircuitConfig

	DMCost     int64
	PublicCost int64

	WebPort string

	RedisURL string
}

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Load builds the singleton Config from the environment, returning a
// ConfigMissing AppError if a required field is absent.
func Load() (*Config, error) {
	once.Do(func() {
		_ = godotenv.Load()
		instance, loadErr = build()
	})
	return instance, loadErr
}

// Get returns the already-loaded Config, loading it if necessary, and
// panics only on programmer error (calling Get before any Load attempt
// that could itself fail is considered a bootstrap bug).
func Get() *Config {
	if instance == nil {
		c, err := Load()
		if err != nil {
			panic(err)
		}
		return c
	}
	return instance
}

func build() (*Config, error) {
	cfg := &Config{}

	cfg.PrivateKey = getEnvString("PRIVATE_KEY", "")
	cfg.AIAPIKey = getEnvString("AI_API_KEY", "")
	cfg.BotName = getEnvString("BOT_NAME", "ZapAI")
	cfg.Relays = getEnvStringSlice("RELAYS", nil)

	if cfg.PrivateKey == "" {
		return nil, apperrors.Fatal(apperrors.ConfigMissing, "PRIVATE_KEY is required")
	}
	if len(cfg.Relays) == 0 {
		return nil, apperrors.Fatal(apperrors.ConfigMissing, "RELAYS must list at least one relay URL")
	}

	cfg.ResponseDelay = getEnvDuration("RESPONSE_DELAY_MS", 2000*time.Millisecond)
	cfg.MaxConcurrent = getEnvInt("MAX_CONCURRENT", 10)
	cfg.MaxQueueSize = getEnvInt("MAX_QUEUE_SIZE", 10000)
	cfg.QueueTimeout = getEnvDuration("QUEUE_TIMEOUT_MS", 60000*time.Millisecond)
	cfg.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", 3)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_DELAY_MS", 2000*time.Millisecond)

	cfg.ReconnectBase = getEnvDuration("RECONNECT_BASE_MS", 5000*time.Millisecond)
	cfg.ReconnectCeil = getEnvDuration("RECONNECT_CEILING_MS", 60000*time.Millisecond)
	cfg.ReconnectCeilN = getEnvInt("RECONNECT_CEILING_ATTEMPTS", 5)

	cfg.RateLimit = RateLimitConfig{
		MaxTokens:      getEnvInt("RATE_LIMIT_MAX_TOKENS", 50),
		RefillPerSec:   getEnvFloat("RATE_LIMIT_REFILL_RATE", 5),
		WindowDuration: getEnvDuration("RATE_LIMIT_WINDOW_MS", 60000*time.Millisecond),
	}

	cfg.Circuit = CircuitConfig{
		FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvInt("CIRCUIT_SUCCESS_THRESHOLD", 1),
		CallTimeout:      getEnvDuration("CIRCUIT_TIMEOUT_MS", 55000*time.Millisecond),
		ResetTimeout:     getEnvDuration("CIRCUIT_RESET_TIMEOUT_MS", 20000*time.Millisecond),
	}

	cfg.DMCost = int64(getEnvInt("DM_COST", 20))
	cfg.PublicCost = int64(getEnvInt("PUBLIC_COST", 50))

	cfg.WebPort = getEnvString("WEB_PORT", "8090")
	cfg.RedisURL = getEnvString("REDIS_URL", "localhost:6379")

	return cfg, nil
}

func getEnvString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// String renders a safe, secret-free summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"bot=%s relays=%d max_concurrent=%d max_queue=%d dm_cost=%d public_cost=%d",
		c.BotName, len(c.Relays), c.MaxConcurrent, c.MaxQueueSize, c.DMCost, c.PublicCost,
	)
}
