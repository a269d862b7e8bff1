package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/config"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/httpapi"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/logging"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	stores, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	ledgerService, err := newLedgerService(stores, logger)
	if err != nil {
		return err
	}
	registry, err := unlock.NewJobRegistry(
		unlock.WithJobStore(stores.jobs, cfg.JobCacheSize),
		unlock.WithRegistryLogger(logger.Named("jobs")),
	)
	if err != nil {
		return fmt.Errorf("job registry init: %w", err)
	}
	executor, err := unlock.NewExecutor(ledgerService, stores.unlocks, stores.catalog, registry,
		unlock.WithChunkSize(cfg.ChunkSize),
		unlock.WithPageSize(cfg.PageSize),
		unlock.WithRetryPolicy(unlock.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBackoff}),
		unlock.WithExecutorLogger(logger.Named("executor")),
	)
	if err != nil {
		return fmt.Errorf("executor init: %w", err)
	}
	recovered, err := executor.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		logger.Warn("settled jobs interrupted by restart", zap.Int("jobs", recovered))
	}
	unlockService, err := unlock.NewService(stores.catalog, stores.unlocks, ledgerService, registry, executor,
		unlock.WithMaxConcurrentJobs(cfg.MaxConcurrentJobs),
		unlock.WithServiceLogger(logger.Named("unlock")),
	)
	if err != nil {
		return fmt.Errorf("unlock service init: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.HTTPListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
	}, unlockService, ledgerService, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}

	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.UnaryLoggingInterceptor(logger.Named("grpc"))))
	grpcserver.RegisterUnlockServiceServer(grpcServer, grpcserver.NewServer(unlockService, ledgerService))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(grpcListener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	group.Go(func() error {
		return registry.RunReaper(groupCtx, cfg.ReapInterval, cfg.JobRetention)
	})

	serveErr := group.Wait()
	logger.Info("shutdown requested, draining unlock jobs", zap.Duration("grace", cfg.ShutdownTimeout))
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if drainErr := unlockService.Shutdown(drainCtx); drainErr != nil {
		logger.Warn("unlock jobs aborted at shutdown", zap.Error(drainErr))
	}
	return serveErr
}

func newLedgerService(stores *storage, logger *zap.Logger) (*ledger.Service, error) {
	service, err := ledger.NewService(stores.wallet,
		func() int64 { return time.Now().UTC().Unix() },
		ledger.WithOperationLogger(logging.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}
