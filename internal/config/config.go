// Package config reads worker configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config is the worker-level configuration. All fields come from environment
// variables with sensible dev defaults.
type Config struct {
	// Temporal connection.
	TemporalAddress   string
	TemporalNamespace string
	TaskQueue         string

	// DATABASE_URL for cursor and reconciliation state. Empty keeps both
	// stores in memory.
	DatabaseURL string

	// MinIO connection for cursor history archival. Empty disables history.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Per-run defaults, overridable per request.
	BatchSize       int
	MaxBatches      int
	Workers         int
	RetentionDays   int
	VectorDimension int
}

// FromEnv builds the configuration from the process environment.
func FromEnv() Config {
	return Config{
		TemporalAddress:   getenv("TEMPORAL_ADDRESS", "127.0.0.1:7233"),
		TemporalNamespace: getenv("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:         getenv("SYNC_TASK_QUEUE", "sync-core"),

		DatabaseURL: getenv("DATABASE_URL", ""),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "sync-cursors"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		BatchSize:       getenvInt("SYNC_BATCH_SIZE", 100),
		MaxBatches:      getenvInt("SYNC_MAX_BATCHES", 4),
		Workers:         getenvInt("SYNC_WORKERS", 4),
		RetentionDays:   getenvInt("SYNC_CURSOR_RETENTION_DAYS", 30),
		VectorDimension: getenvInt("VECTOR_DIMENSION", 1536),
	}
}

// getenv returns the env var or the default if empty.
func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
