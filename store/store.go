// Package store is the Postgres access layer: schema migration, bulk message
// inserts with duplicate tolerance, idempotent event upserts, retention
// queries, and encrypted account credential storage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/ewhitmore/chatwarden/crypto"
)

var (
	// encryptor protects account tokens at rest.
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the encryptor from ENCRYPTION_KEY. If the key is
// not set, tokens are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, account tokens will be stored in plaintext (not recommended for production)", slog.String("component", "store_encryption"))
			return
		}

		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "store_encryption"))
			return
		}

		encryptor = enc
		slog.Info("account token encryption enabled (AES-256-GCM)", slog.String("component", "store_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Store wraps the database handle. All methods are safe for concurrent use.
type Store struct {
	DB *sql.DB
}

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.DB.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// Migrate applies idempotent schema changes for all required tables and indices.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_messages (
			message_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT,
			channel_id TEXT,
			channel TEXT,
			content TEXT,
			attachments TEXT,
			reply_to_id TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS deleted_messages (
			message_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			user_id TEXT,
			username TEXT,
			channel_id TEXT,
			content TEXT,
			attachments TEXT,
			deleted_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS edited_messages (
			message_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			user_id TEXT,
			channel_id TEXT,
			before_content TEXT,
			after_content TEXT,
			edited_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS mentions (
			message_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			user_id TEXT,
			username TEXT,
			channel_id TEXT,
			content TEXT,
			mentioned_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			user_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			username TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tracking_limits (
			user_id TEXT PRIMARY KEY,
			message_limit INTEGER NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			username TEXT,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			provider TEXT DEFAULT 'twitch',
			state TEXT DEFAULT 'enabled',
			encryption_version INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_messages_user_created ON user_messages(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_user_messages_channel ON user_messages(channel_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deleted_messages_channel ON deleted_messages(channel_id, deleted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_status ON friend_requests(status)`,
	}
	for i, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV stores or updates a key/value pair.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV fetches a value; returns "" without error when the key is absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
