// Package devbackend запускает dev-бэкенд как HTTP-сервер.
package devbackend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/magabrotheeeer/moviepass/internal/config"
	backend "github.com/magabrotheeeer/moviepass/internal/devbackend"
	"github.com/magabrotheeeer/moviepass/internal/lib/password"
)

const shutdownTimeout = 15 * time.Second

// App HTTP-сервер dev-бэкенда.
type App struct {
	server  *http.Server
	backend *backend.Server
	logger  *slog.Logger
}

// New создаёт приложение по секции backend конфига.
func New(cfg config.Backend, logger *slog.Logger) *App {
	b := backend.New(cfg, password.Hasher{Cost: bcrypt.DefaultCost}, logger)
	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      b.Handler(),
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &App{server: srv, backend: b, logger: logger}
}

// Run обслуживает запросы до отмены ctx, затем останавливает сервер.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("dev backend listening", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.backend.Close()
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down dev backend")
		err := a.server.Shutdown(timeoutCtx)
		a.backend.Close()
		return err
	}
}
