// Package persistence provides a SQLite-backed token cache so that silent
// token acquisition survives process restarts.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/hostbridge/internal/token"
)

// Store persists acquired tokens keyed by client and scope set.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying token cache migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the tokens table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			cache_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 indexes expiry for PurgeExpired.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at)`)
	return err
}

// GetToken returns the cached token for key. ok is false when nothing is
// cached; expiry is left to the caller.
func (s *Store) GetToken(ctx context.Context, key string) (tok token.Token, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scopes string
	var expires int64
	err = s.db.QueryRowContext(ctx,
		"SELECT value, scopes, expires_at FROM tokens WHERE cache_key = ?", key,
	).Scan(&tok.Value, &scopes, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, false, nil
	}
	if err != nil {
		return token.Token{}, false, fmt.Errorf("get token: %w", err)
	}
	tok.Scopes = strings.Fields(scopes)
	if expires > 0 {
		tok.ExpiresOn = time.Unix(expires, 0)
	}
	return tok, true, nil
}

// PutToken stores tok under key, replacing any previous entry.
func (s *Store) PutToken(ctx context.Context, key string, tok token.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires int64
	if !tok.ExpiresOn.IsZero() {
		expires = tok.ExpiresOn.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (cache_key, value, scopes, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		key, tok.Value, strings.Join(tok.Scopes, " "), expires, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

// DeleteToken removes the entry for key.
func (s *Store) DeleteToken(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// PurgeExpired deletes tokens that expired before now and returns how many
// were removed. Tokens without an expiry are kept.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE expires_at > 0 AND expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return n, nil
}

// TokenCount returns the number of cached tokens.
func (s *Store) TokenCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tokens").Scan(&count); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return count, nil
}
