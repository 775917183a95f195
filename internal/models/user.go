// Package models содержит доменные структуры клиента: пользователя, сессию,
// подписку, тарифы и платёжное намерение.
package models

import "strings"

// WatchlistItem элемент списка просмотра пользователя.
type WatchlistItem struct {
	MovieID    int    `json:"movieId"`
	Title      string `json:"title"`
	PosterPath string `json:"posterPath,omitempty"`
	MediaType  string `json:"mediaType"`
	AddedAt    string `json:"addedAt"`
}

// User кэшированная запись пользователя.
// HasActiveSubscription не авторитетен: пересчитывается из последней полученной подписки.
type User struct {
	ID                    string          `json:"id"`
	Email                 string          `json:"email"`
	ProfileImage          string          `json:"profileImage,omitempty"`
	HasActiveSubscription bool            `json:"hasActiveSubscription"`
	Watchlist             []WatchlistItem `json:"watchlist"`
}

// Session пара токена и пользователя; сохраняется и очищается только целиком.
type Session struct {
	Token string
	User  User
}

// Credentials данные формы входа и регистрации.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// Normalized возвращает копию с email в нижнем регистре и без пробелов по краям.
func (c Credentials) Normalized() Credentials {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	return c
}

// AuthResponse ответ /auth/register и /auth/login.
type AuthResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
}
