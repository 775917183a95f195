// Package client собирает клиентское приложение: хранилище сессии, HTTP-клиент,
// шлюзы, менеджеры сессии и подписки, фасад и публикацию событий.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/events"
	"github.com/magabrotheeeer/moviepass/internal/facade"
	"github.com/magabrotheeeer/moviepass/internal/gateway/authgw"
	"github.com/magabrotheeeer/moviepass/internal/gateway/subgw"
	"github.com/magabrotheeeer/moviepass/internal/lib/jwt"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/payment"
	"github.com/magabrotheeeer/moviepass/internal/services/favorites"
	"github.com/magabrotheeeer/moviepass/internal/services/session"
	"github.com/magabrotheeeer/moviepass/internal/services/subscription"
	"github.com/magabrotheeeer/moviepass/internal/storage"
	"github.com/magabrotheeeer/moviepass/internal/storage/redisstore"
	"github.com/magabrotheeeer/moviepass/internal/storage/sqlite"
)

// ErrUnknownDriver неизвестный драйвер хранилища в конфиге.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Store хранилище сессии с закрытием.
type Store interface {
	storage.KV
	io.Closer
}

// App клиентское приложение.
type App struct {
	Facade *facade.Facade

	log     *slog.Logger
	store   Store
	conn    *amqp.Connection
	channel *amqp.Channel
	stop    func()
}

// New собирает приложение. card отдаёт номер карты для dev-провайдера платежей.
func New(ctx context.Context, cfg *config.Config, card payment.CardSource, logger *slog.Logger) (*App, error) {
	const op = "client.New"

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	apiClient := api.New(cfg.API, logger)
	sessions := session.NewManager(store, authgw.New(apiClient), jwt.ExpiryChecker{}, logger)
	subs := subscription.NewManager(subgw.New(apiClient), cfg.Activation, logger)
	provider := payment.NewDevProvider(apiClient, card, logger)

	f := facade.New(sessions, subs, favorites.New(store, logger), provider, logger)
	apiClient.SetTokenSource(sessions)
	apiClient.OnUnauthorized(f.HandleUnauthorized)

	app := &App{Facade: f, log: logger, store: store}

	if cfg.RabbitMQURL != "" {
		if err := app.startEvents(cfg.Events); err != nil {
			logger.Warn("session events disabled", sl.Op(op), sl.Err(err))
		}
	}
	return app, nil
}

// OpenStore открывает хранилище по драйверу из конфига.
func OpenStore(ctx context.Context, cfg config.Storage) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := redisstore.InitServer(ctx, cfg.RedisConnection)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func (a *App) startEvents(cfg config.Events) error {
	conn, err := events.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return err
	}
	ch, err := events.SetupChannel(conn, cfg.RabbitMQExchange, []events.QueueConfig{events.AuditQueue(cfg.RabbitMQExchange)})
	if err != nil {
		_ = conn.Close()
		return err
	}

	pub := events.NewPublisher(ch, cfg.RabbitMQExchange, a.log)
	a.stop = a.Facade.Subscribe(func(st facade.State) {
		c := events.Change{
			Authenticated:         st.Authenticated(),
			HasActiveSubscription: st.HasActiveSubscription,
		}
		if st.User != nil {
			c.UserID = st.User.ID
		}
		pub.Observe(c)
	})
	a.conn = conn
	a.channel = ch
	return nil
}

// Close освобождает хранилище и соединение с брокером.
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
	}
	var errs []error
	if a.channel != nil {
		errs = append(errs, a.channel.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
