// Package sqlite implements the Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver. WAL mode is enabled by default for concurrent reads; the
// GORM repositories are shared with the PostgreSQL backend.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/beamflow/beamflow/internal/storage"
	pgstore "github.com/beamflow/beamflow/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path. ":memory:" for tests.
	JournalMode string // "wal" (default), "delete", "truncate", etc.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	pluginData storage.PluginDataStore
	audit      storage.AuditStore
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     slogger,
		path:       cfg.Path,
		pluginData: pgstore.NewPluginDataRepository(db),
		audit:      pgstore.NewAuditRepository(db),
	}

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)
	return s, nil
}

// Migrate runs GORM AutoMigrate using the shared models.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.db.AutoMigrate(
		&pgstore.PluginDataModel{},
		&pgstore.AuditEventModel{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// PluginData returns the key-value repository.
func (s *Store) PluginData() storage.PluginDataStore { return s.pluginData }

// Audit returns the audit repository.
func (s *Store) Audit() storage.AuditStore { return s.audit }

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string { return "sqlite" }
