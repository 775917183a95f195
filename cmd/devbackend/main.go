package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/moviepass/internal/app/devbackend"
	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.Info("starting dev backend", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := devbackend.New(cfg.Backend, logger)
	if err := app.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("dev backend stopped with error", sl.Err(err))
		os.Exit(1)
	}

	logger.Info("dev backend stopped gracefully")
}
