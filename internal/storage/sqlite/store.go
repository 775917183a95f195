// Package sqlite реализует хранилище сессии в sqlite-файле на устройстве.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/magabrotheeeer/moviepass/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

const upsert = `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// Store key-value хранилище поверх sqlite.
type Store struct {
	sqlDB *sql.DB
}

// Open открывает файл базы и создаёт таблицу kv.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close освобождает соединение.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get возвращает значение ключа.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.sqlDB == nil {
		return "", false, storage.ErrNotConfigured
	}
	var value string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set записывает значение ключа.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	if _, err := s.sqlDB.ExecContext(ctx, upsert, key, value, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// SetPair записывает два ключа в одной транзакции.
func (s *Store) SetPair(ctx context.Context, key1, value1, key2, value2 string) error {
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().UnixMilli()
		if _, err := tx.ExecContext(ctx, upsert, key1, value1, now); err != nil {
			return fmt.Errorf("set %q: %w", key1, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, key2, value2, now); err != nil {
			return fmt.Errorf("set %q: %w", key2, err)
		}
		return nil
	})
}

// Delete удаляет ключи в одной транзакции.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete %q: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var (
	_ storage.KV         = (*Store)(nil)
	_ storage.PairWriter = (*Store)(nil)
)
