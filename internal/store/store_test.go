package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"firmly-accounts/migrations"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(context.Background(), "  ", logger); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestInitSchemaIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.InitSchema(ctx, migrations.Files, "merchant.sql"); err != nil {
			t.Fatalf("apply schema (pass %d): %v", i+1, err)
		}
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members;`).Scan(&count); err != nil {
		t.Fatalf("query after schema init: %v", err)
	}
}

func TestAddColumnIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InitSchema(ctx, migrations.Files, "merchant.sql"); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.AddColumn(ctx, "audit_logs", "is_firmly_admin", "INTEGER NOT NULL DEFAULT 0"); err != nil {
			t.Fatalf("add column (pass %d): %v", i+1, err)
		}
	}

	if _, err := s.DB().ExecContext(ctx, `SELECT is_firmly_admin FROM audit_logs LIMIT 1;`); err != nil {
		t.Fatalf("column should exist: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.InitSchema(ctx, migrations.Files, "merchant.sql"); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	wantErr := errors.New("abort")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO team_members (user_id, user_email, role, granted_at) VALUES ('u1', 'a@example.com', 'admin', '2026-01-01T00:00:00.000000000Z');`,
		); execErr != nil {
			return execErr
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected callback error returned, got %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members;`).Scan(&count); err != nil {
		t.Fatalf("count after rollback: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected insert rolled back, got %d rows", count)
	}
}

func TestTimeFormatLexicalOrderMatchesChronological(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
		base.Add(time.Minute),
	}

	formatted := make([]string, len(times))
	for i, tv := range times {
		formatted[i] = FormatTime(tv)
	}
	if !sort.StringsAreSorted(formatted) {
		t.Fatalf("lexical order must match chronological order: %v", formatted)
	}

	for i, tv := range times {
		if got := ParseTime(formatted[i]); !got.Equal(tv) {
			t.Fatalf("round trip mismatch: want %v, got %v", tv, got)
		}
	}
}

func TestParseTimeEmptyIsZero(t *testing.T) {
	if !ParseTime("").IsZero() {
		t.Fatal("empty input must parse to the zero time")
	}
}
