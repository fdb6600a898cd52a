// Package postgres implements PostgreSQL-backed storage using GORM.
// The repositories here are backend-agnostic GORM code and are reused by
// the SQLite backend.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/beamflow/beamflow/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	pluginData storage.PluginDataStore
	audit      storage.AuditStore
}

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB handle: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return &Store{
		db:         db,
		logger:     slogger,
		pluginData: NewPluginDataRepository(db),
		audit:      NewAuditRepository(db),
	}, nil
}

// Migrate runs GORM AutoMigrate for all models.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.db.AutoMigrate(
		&PluginDataModel{},
		&AuditEventModel{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// PluginData returns the key-value repository.
func (s *Store) PluginData() storage.PluginDataStore { return s.pluginData }

// Audit returns the audit repository.
func (s *Store) Audit() storage.AuditStore { return s.audit }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return "postgres" }

// GormDB exposes the underlying connection for the SQLite backend and tests.
func (s *Store) GormDB() *gorm.DB { return s.db }

// NewGormLogger adapts slog into GORM's logger interface with the warn
// level and slow-query threshold used across the project.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}
