package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host:     "db.internal",
		Port:     5433,
		User:     "tiller",
		Password: "s3cret",
		Database: "tiller",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=tiller password=s3cret dbname=tiller sslmode=require",
		cfg.DSN())
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE", "DB_MAX_CONNS", "DB_MIN_CONNS"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "tiller", cfg.User)
	assert.Equal(t, "tiller", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Equal(t, 2, cfg.MinConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "pg.example")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_MAX_CONNS", "32")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "pg.example", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, 32, cfg.MaxConns)
}

func TestLoadConfigFromEnvBadPort(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	_, err := LoadConfigFromEnv()
	require.Error(t, err)
}
