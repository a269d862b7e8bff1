package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	StoreBackendGorm = "gorm"
	StoreBackendPgx  = "pgx"
)

const (
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultDatabaseURL       = "sqlite:///tmp/unlockd.db"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultChunkSize         = 50
	defaultPageSize          = 100
	defaultRetryAttempts     = 3
	defaultRetryBackoff      = 100 * time.Millisecond
	defaultJobRetention      = 24 * time.Hour
	defaultReapInterval      = 10 * time.Minute
	defaultMaxConcurrentJobs = 8
	defaultJobCacheSize      = 1024
	defaultShutdownTimeout   = 30 * time.Second
)

// Config aggregates runtime settings for unlockd.
type Config struct {
	HTTPListenAddr    string
	GRPCListenAddr    string
	DatabaseURL       string
	StoreBackend      string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	ChunkSize         int
	PageSize          int
	RetryAttempts     int
	RetryBackoff      time.Duration
	JobRetention      time.Duration
	ReapInterval      time.Duration
	MaxConcurrentJobs int64
	JobCacheSize      int
	ShutdownTimeout   time.Duration
}

// Validate fills defaults and rejects settings the server cannot run with.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ChunkSize = defaultIfNotPositive(cfg.ChunkSize, defaultChunkSize)
	cfg.PageSize = defaultIfNotPositive(cfg.PageSize, defaultPageSize)
	cfg.RetryAttempts = defaultIfNotPositive(cfg.RetryAttempts, defaultRetryAttempts)
	cfg.JobCacheSize = defaultIfNotPositive(cfg.JobCacheSize, defaultJobCacheSize)
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = defaultJobRetention
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// ValidateStorage checks only the database settings, for commands that do
// not serve traffic.
func (cfg *Config) ValidateStorage() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreBackendGorm))
	if cfg.StoreBackend != StoreBackendGorm && cfg.StoreBackend != StoreBackendPgx {
		return fmt.Errorf("store backend %q is not one of %s, %s", cfg.StoreBackend, StoreBackendGorm, StoreBackendPgx)
	}
	if cfg.StoreBackend == StoreBackendPgx && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store backend %s requires a postgres database url", StoreBackendPgx)
	}
	return nil
}

// IsPostgresURL reports whether the url selects a Postgres database.
func IsPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func defaultIfNotPositive(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
