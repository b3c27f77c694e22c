package config

import (
	"time"

	"github.com/codeready-toolchain/tiller/pkg/database"
)

// DefaultServerConfig returns the HTTP server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRedisConfig returns the redis defaults (disabled; the
// process-local cache serves single-node deployments).
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled: false,
		Addr:    "localhost:6379",
		TTL:     5 * time.Minute,
	}
}

// DefaultVectorConfig returns the embedding defaults.
func DefaultVectorConfig() VectorConfig {
	return VectorConfig{
		Embedder:   "hash",
		Dimensions: 256,
	}
}

// defaultDatabaseConfig resolves database settings from the
// environment; a database section in tiller.yaml overrides it.
func defaultDatabaseConfig() (database.Config, error) {
	return database.LoadConfigFromEnv()
}
