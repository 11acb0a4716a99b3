package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDemoSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_TTL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, demoJWTSecret, cfg.JWTSecret)
	assert.Equal(t, time.Hour, cfg.JWTTTL)
}

func TestLoadConfigRequiresSecretWithDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/storefront")
	t.Setenv("JWT_SECRET", "")

	_, err := LoadConfig()
	assert.ErrorIs(t, err, errNoJWTSecret)

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadConfigKafkaBrokers(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_ADDR", "k1:9092, ,k2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}
