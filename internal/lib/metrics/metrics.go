// Package metrics содержит Prometheus-метрики жизненного цикла сессии и подписки.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moviepass"

var (
	// Registry хранит коллекторы приложения отдельно от глобального реестра.
	Registry = prometheus.NewRegistry()

	// AuthAttempts считает попытки входа и регистрации по результату.
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "auth_attempts_total",
			Help:      "Sign-in and sign-up attempts by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ForcedLogouts считает выходы, инициированные ответом 401.
	ForcedLogouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "forced_logouts_total",
			Help:      "Sessions invalidated by an unauthorized response.",
		},
	)

	// SubscriptionRefreshes считает обновления подписки; shared=true для объединённых вызовов.
	SubscriptionRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "refreshes_total",
			Help:      "Subscription refresh calls by result and whether the fetch was shared.",
		},
		[]string{"result", "shared"},
	)

	// ActivationOutcomes считает терминальные исходы протокола подтверждения активации.
	ActivationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "activation_outcomes_total",
			Help:      "Terminal outcomes of the activation-confirmation protocol.",
		},
		[]string{"outcome"},
	)

	// BackendRequests считает запросы к dev-бэкенду.
	BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Requests handled by the development backend.",
		},
		[]string{"method", "status"},
	)
)

func init() {
	Registry.MustRegister(
		AuthAttempts,
		ForcedLogouts,
		SubscriptionRefreshes,
		ActivationOutcomes,
		BackendRequests,
	)
}

// Handler отдаёт метрики реестра приложения.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
