package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	logx "remindbot/pkg/logx"
)

const defaultSQLiteDSN = "file:./data/remindbot.db?_journal_mode=WAL&_foreign_keys=on"

// Store is the gorm-backed persistence layer.
type Store struct {
	db     *gorm.DB
	log    logx.Logger
	driver string

	retain     int
	appends    atomic.Uint64
	pruneEvery uint64
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	dsn := strings.TrimSpace(cfg.DSN)

	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if dsn == "" {
			dsn = defaultSQLiteDSN
		}
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		driver = "postgres"
		if dsn == "" {
			return nil, errors.New("postgres dsn is required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(log, cfg.LogLevel, cfg.SlowQuery),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	if driver == "sqlite" {
		// SQLite prefers a single writer.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())).Error
		}
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Recipient{}, &Template{}, &DispatchRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("storage opened", logx.String("driver", driver))
	return &Store{db: db, log: log, driver: driver, retain: cfg.RetainDispatches, pruneEvery: 50}, nil
}

func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// ensureDir creates the parent directory of a sqlite file DSN.
func ensureDir(dsn string) error {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || strings.HasPrefix(p, ":memory:") {
		return nil
	}
	dir := filepath.Dir(p)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
