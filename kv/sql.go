package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore is a Store backed by SQLite (default, no external dependencies)
// or PostgreSQL (for larger deployments).
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens a SQL-backed store. The URL can be:
//   - A file path like "weft.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func OpenSQL(databaseURL string) (*SQLStore, error) {
	driver, dsn := DetectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DetectDriver maps a database URL to a driver name and DSN.
func DetectDriver(databaseURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://")
	default:
		return "sqlite", databaseURL
	}
}

func (s *SQLStore) migrate() error {
	valueType := "BLOB"
	if s.driver == "postgres" {
		valueType = "BYTEA"
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      %s NOT NULL,
			expires_at BIGINT
		)`, valueType),
		`CREATE INDEX IF NOT EXISTS kv_expires ON kv(expires_at)`,
	}
	for _, m := range ddl {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying connection so the SQL queue can share it.
func (s *SQLStore) DB() (*sql.DB, string) { return s.db, s.driver }

func (s *SQLStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = `+s.ph(1), key.String(),
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error {
	o := applyOptions(opts)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO kv (key, value, expires_at) VALUES (%s, %s, %s)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		s.ph(1), s.ph(2), s.ph(3)),
		key.String(), value, s.expiry(o))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *SQLStore) SetIfAbsent(ctx context.Context, key Key, value []byte, opts ...SetOption) (bool, error) {
	o := applyOptions(opts)

	// Clear an expired entry first so the conditional insert below only
	// conflicts with live entries.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = `+s.ph(1)+` AND expires_at IS NOT NULL AND expires_at <= `+s.ph(2),
		key.String(), time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("kv expire: %w", err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO kv (key, value, expires_at) VALUES (%s, %s, %s)
		 ON CONFLICT(key) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3)),
		key.String(), value, s.expiry(o))
	if err != nil {
		return false, fmt.Errorf("kv set-if-absent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv set-if-absent: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = `+s.ph(1), key.String()); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Sweep removes expired entries. Call periodically from a janitor goroutine;
// reads already ignore expired rows, so this is purely reclamation.
func (s *SQLStore) Sweep(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= `+s.ph(1),
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv sweep: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Debug("kv sweep", "removed", n)
	}
	return nil
}

func (s *SQLStore) expiry(o SetOptions) any {
	if !o.HasTTL {
		return nil
	}
	return time.Now().Add(o.TTL).UnixMilli()
}

// ph returns the driver-appropriate placeholder for the nth parameter.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
