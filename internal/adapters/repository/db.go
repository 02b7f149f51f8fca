// Package repository implements the durable submission queue on GORM and a
// pure-Go SQLite driver.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/pkg/logger"
)

const (
	defaultMaxRetries = 5
	defaultRetention  = 14 * 24 * time.Hour
)

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
// WAL with synchronous=NORMAL keeps committed rows across process crashes.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if the parent directory does not exist.
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	// A single connection serializes writers; transitions are read-modify-write.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(0)

	return db, nil
}

// AutoMigrate creates or updates the submission_queue table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.SubmissionRecord{})
}

// Store is the submission record store. It is the single writer of record
// state; every mutation is one transaction.
type Store struct {
	db         *gorm.DB
	clock      timeutil.Clock
	maxRetries int
	retention  time.Duration
	log        logger.Logger
}

// Open opens the database at path, migrates it and returns records left
// in flight by a previous process to retryable.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, opts...)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. It migrates the schema and runs
// in-flight recovery.
func New(ctx context.Context, db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:         db,
		clock:      timeutil.RealClock{},
		maxRetries: defaultMaxRetries,
		retention:  defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("store")
	}

	if err := AutoMigrate(db.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("migrate submission queue: %w", err)
	}
	if _, err := s.RecoverInFlight(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MaxRetries returns the configured retry cap.
func (s *Store) MaxRetries() int { return s.maxRetries }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// isUniqueViolation matches the plain-text UNIQUE errors glebarez/sqlite returns.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
