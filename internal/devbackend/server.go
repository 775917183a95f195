// Package devbackend собирает dev-бэкенд: Auth и Subscription API, эмуляцию
// платёжного провайдера и webhook, приходящий с задержкой после списания.
package devbackend

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/billing"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/handlers/auth"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/handlers/payments"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/handlers/subscriptions"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/mware"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/response"
	"github.com/magabrotheeeer/moviepass/internal/lib/jwt"
	"github.com/magabrotheeeer/moviepass/internal/lib/metrics"
	"github.com/magabrotheeeer/moviepass/internal/lib/password"
)

// Server dev-бэкенд.
type Server struct {
	Billing *billing.Service
	router  chi.Router
}

// New создаёт Server. hasher позволяет тестам снизить стоимость bcrypt.
func New(cfg config.Backend, hasher password.Hasher, log *slog.Logger) *Server {
	svc := billing.New(log, hasher, cfg.WebhookLag)
	maker := jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL)

	authHandler := auth.New(log, svc, maker)
	subHandler := subscriptions.New(log, svc)
	payHandler := payments.New(log, svc, cfg.WebhookSecret)

	svc.SetNotifier(payments.NewDeliverer(log, cfg.WebhookSecret, http.HandlerFunc(payHandler.Webhook)).Deliver)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		mware.Metrics,
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			response.Write(w, r, http.StatusOK, response.OK(map[string]string{"status": "ok"}))
		})

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Get("/subscriptions/plans", subHandler.Plans)

		r.Group(func(r chi.Router) {
			r.Use(mware.JWT(maker, log))
			r.Post("/subscriptions/create", subHandler.Create)
			r.Get("/subscriptions/current", subHandler.Current)
			r.Post("/subscriptions/confirm", subHandler.Confirm)
			r.Post("/subscriptions/cancel", subHandler.Cancel)
		})

		r.Post("/dev/payments/{clientSecret}/charge", payHandler.Charge)
		r.Post("/webhooks/payment", payHandler.Webhook)
	})

	r.Handle("/metrics", metrics.Handler())

	return &Server{Billing: svc, router: r}
}

// Handler HTTP-обработчик всех маршрутов.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close останавливает запланированные webhook.
func (s *Server) Close() {
	s.Billing.Close()
}
