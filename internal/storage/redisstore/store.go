// Package redisstore реализует хранилище сессии поверх redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/storage"
)

// Store key-value хранилище в redis; все ключи получают общий префикс.
type Store struct {
	Db     *redis.Client
	prefix string
}

// InitServer подключается к redis и проверяет соединение.
func InitServer(ctx context.Context, cfg config.RedisConnection) (*Store, error) {
	const op = "redisstore.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.AddressRedis,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.TimeoutRedis,
		WriteTimeout: cfg.TimeoutRedis,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Store{Db: db, prefix: cfg.KeyPrefix}, nil
}

// Close закрывает клиент.
func (s *Store) Close() error {
	return s.Db.Close()
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get возвращает значение ключа.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	const op = "redisstore.Get"
	val, err := s.Db.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return val, true, nil
}

// Set записывает значение без срока жизни: сессия живёт до явного выхода.
func (s *Store) Set(ctx context.Context, key, value string) error {
	const op = "redisstore.Set"
	if err := s.Db.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetPair записывает оба ключа в MULTI/EXEC.
func (s *Store) SetPair(ctx context.Context, key1, value1, key2, value2 string) error {
	const op = "redisstore.SetPair"
	_, err := s.Db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(key1), value1, 0)
		pipe.Set(ctx, s.key(key2), value2, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Delete удаляет ключи одной командой DEL.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	const op = "redisstore.Delete"
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.key(k))
	}
	if err := s.Db.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

var (
	_ storage.KV         = (*Store)(nil)
	_ storage.PairWriter = (*Store)(nil)
)
