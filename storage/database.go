// Package storage implements realtime.Store on top of a SQLite file, so that
// every client process on one host shares the same tree of values.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"huddle/realtime"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "huddle.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultChangePollInterval controls how often commits from other
	// processes are detected.
	DefaultChangePollInterval = 200 * time.Millisecond
)

var (
	// ErrNotFound indicates a requested path holds no value.
	ErrNotFound = errors.New("storage: record not found")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS nodes (
  path       TEXT PRIMARY KEY,
  parent     TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_nodes_parent
ON nodes (parent, key);
`,
	`
CREATE INDEX IF NOT EXISTS idx_nodes_updated_at
ON nodes (updated_at);
`,
}

// Store is a realtime.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	watch  *sql.Conn
	hub    *realtime.Hub
	logger *slog.Logger

	clock func() int64
	newID func() string

	walCheckpointInterval time.Duration
	changePollInterval    time.Duration
	loopStop              chan struct{}
	loopWG                sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ realtime.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for background failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChangePollInterval overrides DefaultChangePollInterval.
func WithChangePollInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.changePollInterval = interval
	}
}

// WithClock overrides the clock used to resolve server timestamps.
func WithClock(clock func() int64) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Open opens (or creates) huddle.db under the given data directory and runs migrations.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		logger:                slog.Default(),
		clock:                 func() int64 { return time.Now().UnixMilli() },
		newID:                 realtime.NewPushID,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		changePollInterval:    DefaultChangePollInterval,
		loopStop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}
	store.hub = realtime.NewHub(store.load)

	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}

	watch, err := db.Conn(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open change watch connection: %w", err)
	}
	store.watch = watch

	store.startWALCheckpointLoop()
	store.startChangeWatchLoop()

	return store, nil
}

// Close stops subscriptions and background loops, then closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.hub.Close()
		close(s.loopStop)
		s.loopWG.Wait()
		if s.watch != nil {
			_ = s.watch.Close()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 {
		return
	}

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.logger.Warn("storage: wal checkpoint failed", "error", err)
				}
			case <-s.loopStop:
				return
			}
		}
	}()
}

// startChangeWatchLoop polls PRAGMA data_version on a dedicated connection.
// The value changes whenever another connection commits, which covers writes
// from other processes sharing the file.
func (s *Store) startChangeWatchLoop() {
	interval := s.changePollInterval
	if interval <= 0 {
		return
	}

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last int64
		for {
			select {
			case <-ticker.C:
				version, err := s.dataVersion()
				if err != nil {
					s.logger.Warn("storage: read data_version failed", "error", err)
					continue
				}
				if last != 0 && version != last {
					s.hub.NotifyAll()
				}
				last = version
			case <-s.loopStop:
				return
			}
		}
	}()
}

func (s *Store) dataVersion() (int64, error) {
	var version int64
	if err := s.watch.QueryRowContext(context.Background(), "PRAGMA data_version;").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
