package options

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite for local persistence.
type SQLiteBackend struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteBackend opens (or creates) the options database at dbPath.
func NewSQLiteBackend(dbPath string, logger zerolog.Logger) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create options directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	backend := &SQLiteBackend{
		db:     db,
		logger: logger.With().Str("component", "sqlite_options").Logger(),
		now:    time.Now,
	}

	if err := backend.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	backend.logger.Debug().Str("path", dbPath).Msg("options database initialized")

	return backend, nil
}

// migrate creates the necessary tables.
func (s *SQLiteBackend) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS options (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_options_expires_at ON options(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Get implements Backend.
func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, "SELECT value, expires_at FROM options WHERE key = ?", key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get option %s: %w", key, err)
	}
	if expiresAt.Valid && s.now().Unix() >= expiresAt.Int64 {
		return nil, nil
	}
	return value, nil
}

// Put implements Backend.
func (s *SQLiteBackend) Put(ctx context.Context, key string, value []byte) error {
	return s.upsert(ctx, key, value, sql.NullInt64{})
}

// PutTTL implements Backend.
func (s *SQLiteBackend) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expires := sql.NullInt64{Int64: s.now().Add(ttl).Unix(), Valid: true}
	return s.upsert(ctx, key, value, expires)
}

func (s *SQLiteBackend) upsert(ctx context.Context, key string, value []byte, expiresAt sql.NullInt64) error {
	query := `
		INSERT INTO options (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("put option %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM options WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete option %s: %w", key, err)
	}
	return nil
}

// PruneExpired removes expired transients and returns how many were deleted.
func (s *SQLiteBackend) PruneExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM options WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune expired options: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Debug().Int64("count", affected).Msg("pruned expired options")
	}
	return int(affected), nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
