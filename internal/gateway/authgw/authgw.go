// Package authgw клиент Auth API: регистрация и вход. Состояния не хранит.
package authgw

import (
	"context"
	"net/http"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

// Doer выполняет запрос к бэкенду.
type Doer interface {
	Do(ctx context.Context, r api.Request, out any) error
}

// Gateway клиент /auth.
type Gateway struct {
	client Doer
}

// New создаёт Gateway.
func New(client Doer) *Gateway {
	return &Gateway{client: client}
}

// Register POST /auth/register.
func (g *Gateway) Register(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	return g.post(ctx, "/auth/register", creds)
}

// Login POST /auth/login.
func (g *Gateway) Login(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	return g.post(ctx, "/auth/login", creds)
}

func (g *Gateway) post(ctx context.Context, path string, creds models.Credentials) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	err := g.client.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   creds.Normalized(),
		Public: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
