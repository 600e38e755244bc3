package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"circuit_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newGormLogger routes gorm's warnings through slog. Lookups that find
// nothing are normal here and are not logged.
func newGormLogger() logger.Interface {
	return logger.New(
		slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// Composite unique indexes. SQLite index names are database-global, so they are
// declared here instead of through struct tags shared by several tables.
var uniqueIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_latest_records_slot ON latest_records (instrument_id, record_order)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_change_events_token_ts ON change_events (instrument_token, change_timestamp)`,
}

// Storage is the SQLite-backed ledger: bounded history, baselines, change
// events, instrument catalog and settings.
type Storage struct {
	repo
}

// NewStorage opens (or creates) the database at dbPath. An empty path resolves
// to the per-user data directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		dbPath = p
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// Single writer: every batch transaction owns the only connection.
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(
		&domain.Instrument{},
		&domain.LatestRecord{},
		&domain.CurrentState{},
		&domain.ChangeEvent{},
		&domain.Setting{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	for _, stmt := range uniqueIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &Storage{repo: repo{db: db}}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CircuitGo", "data", "circuit.db"), nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a single transaction. Any error returned by fn rolls
// back every write fn made.
func (s *Storage) WithTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repo{db: tx})
	})
	if err == nil {
		return nil
	}
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return classify("transaction", err)
}

// repo implements the ledger queries against either the root handle or a
// transaction handle.
type repo struct {
	db *gorm.DB
}

// classify wraps a driver error into a PersistenceError. Lock contention and
// dropped connections are retriable; everything else is fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewFatalPersistenceError(op, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return domain.NewPersistenceError(op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked") {
		return domain.NewPersistenceError(op, err)
	}
	return domain.NewFatalPersistenceError(op, err)
}

// ======================================================================================
// Setting Operations
// ======================================================================================

// Setting returns the stored value for key.
func (r *repo) Setting(ctx context.Context, key string) (string, bool, error) {
	var s domain.Setting
	err := r.db.WithContext(ctx).First(&s, `"key" = ?`, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil // Not found is not an error
	}
	if err != nil {
		return "", false, classify("get_setting", err)
	}
	return s.Value, true, nil
}

// SaveSetting creates or updates a setting.
func (r *repo) SaveSetting(ctx context.Context, key, value string) error {
	s := domain.Setting{Key: key, Value: value}
	return classify("save_setting", r.db.WithContext(ctx).Save(&s).Error)
}
