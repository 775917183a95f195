// Package favorites хранит избранные фильмы пользователя в key-value хранилище.
package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
	"github.com/magabrotheeeer/moviepass/internal/storage"
)

// ErrNoUser операция без идентификатора пользователя.
var ErrNoUser = errors.New("user id is required")

// Store избранное по пользователям.
type Store struct {
	kv  storage.KV
	log *slog.Logger
	mu  sync.Mutex
}

// New создаёт Store.
func New(kv storage.KV, log *slog.Logger) *Store {
	return &Store{kv: kv, log: log}
}

func key(userID string) string {
	return "favorites." + userID
}

// List возвращает избранное пользователя; пустой список, если записей нет.
func (s *Store) List(ctx context.Context, userID string) ([]models.Movie, error) {
	const op = "favorites.List"
	movies, err := s.read(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return movies, nil
}

// Contains сообщает, есть ли фильм в избранном.
func (s *Store) Contains(ctx context.Context, userID string, movieID int) (bool, error) {
	const op = "favorites.Contains"
	movies, err := s.read(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return indexOf(movies, movieID) >= 0, nil
}

// Add добавляет фильм. Повторное добавление возвращает false без ошибки.
// Ошибка чтения списка возвращается, запись при этом не выполняется.
func (s *Store) Add(ctx context.Context, userID string, movie models.Movie) (bool, error) {
	const op = "favorites.Add"
	s.mu.Lock()
	defer s.mu.Unlock()

	movies, err := s.read(ctx, userID)
	if err != nil {
		s.log.Error("failed to read favorites", sl.Op(op), sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if indexOf(movies, movie.ID) >= 0 {
		return false, nil
	}
	if err := s.write(ctx, userID, append(movies, movie)); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Remove удаляет фильм; false, если его не было.
func (s *Store) Remove(ctx context.Context, userID string, movieID int) (bool, error) {
	const op = "favorites.Remove"
	s.mu.Lock()
	defer s.mu.Unlock()

	movies, err := s.read(ctx, userID)
	if err != nil {
		s.log.Error("failed to read favorites", sl.Op(op), sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}
	i := indexOf(movies, movieID)
	if i < 0 {
		return false, nil
	}
	movies = append(movies[:i], movies[i+1:]...)
	if err := s.write(ctx, userID, movies); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Toggle добавляет фильм или удаляет его, если он уже в избранном.
// Возвращает true, если после вызова фильм в избранном.
func (s *Store) Toggle(ctx context.Context, userID string, movie models.Movie) (bool, error) {
	const op = "favorites.Toggle"
	s.mu.Lock()
	defer s.mu.Unlock()

	movies, err := s.read(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	added := true
	if i := indexOf(movies, movie.ID); i >= 0 {
		movies = append(movies[:i], movies[i+1:]...)
		added = false
	} else {
		movies = append(movies, movie)
	}
	if err := s.write(ctx, userID, movies); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return added, nil
}

func (s *Store) read(ctx context.Context, userID string) ([]models.Movie, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	raw, ok, err := s.kv.Get(ctx, key(userID))
	if err != nil {
		return nil, err
	}
	movies := []models.Movie{}
	if !ok || raw == "" {
		return movies, nil
	}
	if err := json.Unmarshal([]byte(raw), &movies); err != nil {
		return nil, fmt.Errorf("decode favorites: %w", err)
	}
	return movies, nil
}

func (s *Store) write(ctx context.Context, userID string, movies []models.Movie) error {
	raw, err := json.Marshal(movies)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key(userID), string(raw))
}

func indexOf(movies []models.Movie, id int) int {
	for i, m := range movies {
		if m.ID == id {
			return i
		}
	}
	return -1
}
