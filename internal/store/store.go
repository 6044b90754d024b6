package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded SQLite database exclusively owned by one actor
// instance. Nothing outside the owning actor may open or mutate the file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the SQLite database at path. Busy timeout and WAL mode are
// recommended for SQLite concurrency.
func Open(ctx context.Context, databasePath string, logger *slog.Logger) (*Store, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// DB exposes the underlying handle to the owning actor's handlers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema executes the named embedded schema file. The schema files only
// contain IF NOT EXISTS statements and INSERT OR IGNORE seeds, so repeated
// execution is always safe.
func (s *Store) InitSchema(ctx context.Context, filesystem fs.FS, name string) error {
	sqlContent, err := fs.ReadFile(filesystem, name)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, string(sqlContent)); err != nil {
		return fmt.Errorf("apply schema %s: %w", name, err)
	}
	return nil
}

// AddColumn applies an additive column migration against a pre-existing
// table. SQLite has no ADD COLUMN IF NOT EXISTS, so "duplicate column name"
// is swallowed as success; any other failure surfaces.
func (s *Store) AddColumn(ctx context.Context, table, column, definition string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, definition)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	s.logger.Debug("column added", "table", table, "column", column)
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("tx rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Timestamps are stored as UTC text with fixed-width fractional seconds so
// that lexical comparison in SQL matches chronological order regardless of
// the driver's own formatting.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp back. Empty input yields the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
