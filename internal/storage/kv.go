// Package storage описывает постоянное key-value хранилище клиента.
// Реализации: sqlite (файл на устройстве) и redis.
package storage

import (
	"context"
	"errors"
)

// ErrNotConfigured возвращается при обращении к незакрытому/неинициализированному хранилищу.
var ErrNotConfigured = errors.New("storage is not configured")

// KV хранилище строковых значений по ключу.
type KV interface {
	// Get возвращает значение и признак наличия ключа.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set записывает значение ключа.
	Set(ctx context.Context, key, value string) error
	// Delete удаляет ключи; отсутствующие ключи не считаются ошибкой.
	Delete(ctx context.Context, keys ...string) error
}

// PairWriter атомарная запись двух ключей: читатель видит либо оба, либо ни одного.
type PairWriter interface {
	SetPair(ctx context.Context, key1, value1, key2, value2 string) error
}
