package main

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	CORSOrigin  string
	LogLevel    slog.Level

	JWTSecret  string
	JWTTTL     time.Duration
	BcryptCost int

	AdminEmail    string
	AdminPassword string

	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
	Currency             string

	RedisAddr      string
	IdempotencyTTL time.Duration

	KafkaBrokers     []string
	OrderEventsTopic string

	TraceStdout bool
}

// demoJWTSecret signs tokens only in in-memory demo mode.
const demoJWTSecret = "testKey"

var errNoJWTSecret = errors.New("JWT_SECRET must be set when DATABASE_URL is configured")

// LoadConfig reads the process environment, picking up a .env file if one is
// present in the working directory. A database-backed deployment must bring
// its own JWT_SECRET.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		DatabaseURL: env("DATABASE_URL", ""),
		CORSOrigin:  env("CORS_ORIGIN", "*"),
		LogLevel:    envLevel("LOG_LEVEL", slog.LevelInfo),

		JWTSecret:  env("JWT_SECRET", ""),
		JWTTTL:     envDuration("JWT_TTL", time.Hour),
		BcryptCost: envInt("BCRYPT_COST", bcrypt.DefaultCost),

		AdminEmail:    env("ADMIN_EMAIL", ""),
		AdminPassword: env("ADMIN_PASSWORD", ""),

		StripeSecretKey:      env("STRIPE_SECRET_KEY", ""),
		StripePublishableKey: env("STRIPE_PUBLISHABLE_KEY", ""),
		StripeWebhookSecret:  env("STRIPE_WEBHOOK_SECRET", ""),
		Currency:             strings.ToLower(env("CURRENCY", "usd")),

		RedisAddr:      env("REDIS_ADDR", ""),
		IdempotencyTTL: envDuration("IDEMPOTENCY_TTL", 10*time.Minute),

		OrderEventsTopic: env("ORDER_EVENTS_TOPIC", "order.events"),

		TraceStdout: envBool("TRACE_STDOUT", false),
	}
	if brokers := env("KAFKA_ADDR", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.JWTSecret == "" {
		if cfg.DatabaseURL != "" {
			return nil, errNoJWTSecret
		}
		cfg.JWTSecret = demoJWTSecret
	}
	return cfg, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return def
}

func envBool(k string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(k)); err == nil {
		return b
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return d
	}
	return def
}

func envLevel(k string, def slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(os.Getenv(k))); err == nil {
		return lvl
	}
	return def
}

func newLogger(level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(h)
}
