// Package storage keeps wm-api's local state in a SQLite file.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"wm-api/internal/config"
)

const poolSize = 4

// migrations are applied in order; PRAGMA user_version records how many
// have run.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS app_boot (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		booted_at TEXT NOT NULL,
		version   TEXT NOT NULL
	);`,
}

// Store is a pooled SQLite database. It is safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open opens the database at cfg.Database.Path and applies migrations.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	return OpenPath(ctx, cfg.Database.Path, logger)
}

// OpenPath opens the database at path, creating the file and its parent
// directory when missing, and applies migrations.
func OpenPath(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	s := &Store{
		pool:   pool,
		path:   path,
		logger: logger.With("component", "storage"),
	}
	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	s.logger.Info("database opened", "path", path)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	version, err := userVersion(conn)
	if err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		if err := applyMigration(conn, i); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", i+1)
	}
	return nil
}

func applyMigration(conn *sqlite.Conn, i int) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: migration %d: begin: %w", i+1, err)
	}
	defer endFn(&err)

	if err := sqlitex.ExecuteScript(conn, migrations[i], nil); err != nil {
		return fmt.Errorf("storage: migration %d: %w", i+1, err)
	}
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", i+1), nil); err != nil {
		return fmt.Errorf("storage: migration %d: set user_version: %w", i+1, err)
	}
	return nil
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: read user_version: %w", err)
	}
	return version, nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)
	return userVersion(conn)
}

// RecordBoot inserts an app_boot row and returns its id.
func (s *Store) RecordBoot(ctx context.Context, version string, at time.Time) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO app_boot (booted_at, version) VALUES (?, ?);", &sqlitex.ExecOptions{
		Args: []any{at.UTC().Format(time.RFC3339Nano), version},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: record boot: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// Boot is one row of app_boot.
type Boot struct {
	ID       int64
	BootedAt time.Time
	Version  string
}

// Boots returns the most recent boots first, at most limit rows.
func (s *Store) Boots(ctx context.Context, limit int) ([]Boot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	var boots []Boot
	err = sqlitex.Execute(conn, "SELECT id, booted_at, version FROM app_boot ORDER BY id DESC LIMIT ?;", &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			at, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(1))
			if err != nil {
				return fmt.Errorf("parse booted_at: %w", err)
			}
			boots = append(boots, Boot{
				ID:       stmt.ColumnInt64(0),
				BootedAt: at,
				Version:  stmt.ColumnText(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list boots: %w", err)
	}
	return boots, nil
}

// Ping runs SELECT 1.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: take: %w", err)
	}
	defer s.pool.Put(conn)

	var one int
	err = sqlitex.ExecuteTransient(conn, "SELECT 1;", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			one = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("storage: ping: unexpected result %d", one)
	}
	return nil
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", s.path, err)
	}
	s.logger.Info("database closed", "path", s.path)
	return nil
}
