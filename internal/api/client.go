// Package api реализует HTTP-клиент удалённого бэкенда: JSON-тела, bearer-токен,
// классификацию ошибок и сигнал о недействительной сессии по ответу 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
)

// TokenSource отдаёт текущий токен сессии; пустая строка означает, что сессии нет.
type TokenSource interface {
	Token() string
}

// Envelope обёртка ответов бэкенда.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// Request описание запроса. Public-запросы отправляются без токена.
type Request struct {
	Method string
	Path   string
	Body   any
	Public bool
}

// Client HTTP-клиент бэкенда.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger

	mu             sync.RWMutex
	tokens         TokenSource
	onUnauthorized func(ctx context.Context, token string)
}

// New создаёт клиент по настройкам API.
func New(cfg config.API, log *slog.Logger) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.TimeoutAPI},
		log:        log,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// SetTokenSource задаёт источник bearer-токена.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// OnUnauthorized регистрирует обработчик ответа 401 на запрос, отправленный с токеном.
// Обработчик получает токен отклонённого запроса.
func (c *Client) OnUnauthorized(fn func(ctx context.Context, token string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Client) unauthorizedHook() func(ctx context.Context, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onUnauthorized
}

// Do выполняет запрос и декодирует тело ответа в out (если out не nil).
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	op := "api." + r.Method + " " + r.Path
	log := c.log.With(sl.Op(op))

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
		}
	}

	var buf bytes.Buffer
	if r.Body != nil {
		if err := json.NewEncoder(&buf).Encode(r.Body); err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+r.Path, &buf)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var token string
	if !r.Public {
		token = c.token()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("request failed", sl.Err(err))
		return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w: %w", op, ErrNetwork, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		se := &StatusError{Code: resp.StatusCode, Message: backendMessage(body)}
		log.Info("backend returned error", slog.Int("status", se.Code), slog.String("message", se.Message))
		if se.Code == http.StatusUnauthorized && token != "" {
			if hook := c.unauthorizedHook(); hook != nil {
				hook(context.WithoutCancel(ctx), token)
			}
		}
		return fmt.Errorf("%s: %w", op, se)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrBadResponse, err)
	}
	return nil
}

func backendMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
