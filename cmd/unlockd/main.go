package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store-backend"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagChunkSize         = "chunk-size"
	flagPageSize          = "page-size"
	flagRetryAttempts     = "retry-attempts"
	flagRetryBackoff      = "retry-backoff"
	flagJobRetention      = "job-retention"
	flagReapInterval      = "reap-interval"
	flagMaxConcurrentJobs = "max-concurrent-jobs"
	flagJobCacheSize      = "job-cache-size"
	flagShutdownTimeout   = "shutdown-timeout"
	envPrefix             = "UNLOCKD"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "unlockd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "unlockd",
		Short:         "Spirit-stone chapter unlock service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, "", "database url: postgres://... or sqlite:///path (default sqlite:///tmp/unlockd.db)")
	cmd.PersistentFlags().String(flagStoreBackend, "", "persistence backend: gorm or pgx (default gorm)")

	cmd.AddCommand(newServeCommand(), newWalletCommand(), newCatalogCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the unlock API over HTTP and gRPC",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagHTTPListenAddr, "", "HTTP listen address (default :8080)")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC listen address (default :7000)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer (default tauth)")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name (default app_session)")
	cmd.Flags().Int(flagChunkSize, 0, "chapters unlocked per transaction (default 50)")
	cmd.Flags().Int(flagPageSize, 0, "eligible chapters fetched per page in full-story mode (default 100)")
	cmd.Flags().Int(flagRetryAttempts, 0, "attempts per chunk (default 3)")
	cmd.Flags().Duration(flagRetryBackoff, 0, "base backoff between chunk attempts (default 100ms)")
	cmd.Flags().Duration(flagJobRetention, 0, "how long finished jobs stay pollable (default 24h)")
	cmd.Flags().Duration(flagReapInterval, 0, "how often finished jobs are reaped (default 10m)")
	cmd.Flags().Int64(flagMaxConcurrentJobs, 0, "batch jobs executed at once (default 8)")
	cmd.Flags().Int(flagJobCacheSize, 0, "job snapshots cached in memory (default 1024)")
	cmd.Flags().Duration(flagShutdownTimeout, 0, "grace period for running jobs on shutdown (default 30s)")

	return cmd
}

func newViper(cmd *cobra.Command, flagNames ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range append([]string{flagDatabaseURL, flagStoreBackend}, flagNames...) {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v, err := newViper(cmd,
		flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
		flagChunkSize, flagPageSize, flagRetryAttempts, flagRetryBackoff,
		flagJobRetention, flagReapInterval, flagMaxConcurrentJobs, flagJobCacheSize,
		flagShutdownTimeout,
	)
	if err != nil {
		return err
	}
	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.ChunkSize = v.GetInt(flagChunkSize)
	cfg.PageSize = v.GetInt(flagPageSize)
	cfg.RetryAttempts = v.GetInt(flagRetryAttempts)
	cfg.RetryBackoff = v.GetDuration(flagRetryBackoff)
	cfg.JobRetention = v.GetDuration(flagJobRetention)
	cfg.ReapInterval = v.GetDuration(flagReapInterval)
	cfg.MaxConcurrentJobs = v.GetInt64(flagMaxConcurrentJobs)
	cfg.JobCacheSize = v.GetInt(flagJobCacheSize)
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)

	return cfg.Validate()
}

func loadStorageConfig(cmd *cobra.Command, cfg *config.Config) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	return cfg.ValidateStorage()
}
