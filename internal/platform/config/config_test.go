package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("BAN_STORAGE", "memory")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":5959", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.False(t, cfg.Feed.Enabled())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BAN_ADDR", ":9000")
	t.Setenv("BAN_STORAGE", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("KAFKA_BROKERS", "k1:9092; k2:9092;;k1:9092")
	t.Setenv("TOKEN_TTL", "15m")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Feed.Brokers)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.True(t, cfg.Feed.Enabled())
}

func TestFromEnvRejectsInvalidSettings(t *testing.T) {
	t.Run("unknown storage", func(t *testing.T) {
		t.Setenv("BAN_STORAGE", "sqlite")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "BAN_STORAGE")
	})

	t.Run("relay without postgres", func(t *testing.T) {
		t.Setenv("BAN_STORAGE", "memory")
		t.Setenv("KAFKA_BROKERS", "k1:9092")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "diff relay")
	})
}
