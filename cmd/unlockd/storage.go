package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/config"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	sqlitePragmas     = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	defaultSQLiteFile = "unlockd.db"
)

type catalogWriter interface {
	unlock.Catalog
	SaveStory(ctx context.Context, story unlock.Story) error
	SaveChapters(ctx context.Context, chapters []unlock.ChapterPriceInfo) error
}

// storage bundles the stores of one backend.
type storage struct {
	wallet  ledger.Store
	unlocks unlock.UnlockStore
	catalog catalogWriter
	jobs    unlock.JobStore
	close   func()
}

func openStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	if cfg.StoreBackend == config.StoreBackendPgx {
		return openPgxStorage(ctx, cfg.DatabaseURL)
	}
	return openGormStorage(ctx, cfg.DatabaseURL)
}

func openPgxStorage(ctx context.Context, databaseURL string) (*storage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pgstore.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return &storage{
		wallet:  pgstore.New(pool),
		unlocks: pgstore.NewUnlockStore(pool),
		catalog: pgstore.NewCatalog(pool),
		jobs:    pgstore.NewJobStore(pool),
		close:   pool.Close,
	}, nil
}

func openGormStorage(ctx context.Context, databaseURL string) (*storage, error) {
	db, cleanup, err := openDatabase(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(gormstore.Models()...); err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &storage{
		wallet:  gormstore.New(db),
		unlocks: gormstore.NewUnlockStore(db),
		catalog: gormstore.NewCatalog(db),
		jobs:    gormstore.NewJobStore(db),
		close:   func() { _ = cleanup() },
	}, nil
}

func openDatabase(databaseURL string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(databaseURL)
	if err != nil {
		return nil, nil, err
	}

	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath+sqlitePragmas), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// sqlite allows one writer; concurrent chunk transactions queue here
		// instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return db, sqlDB.Close, nil
}

func resolveDriver(databaseURL string) (string, string, error) {
	if config.IsPostgresURL(databaseURL) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(databaseURL, "sqlite://") {
		parsed, err := url.Parse(databaseURL)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite file path.
	sqlitePath, err := normalizeSQLitePath(databaseURL)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
