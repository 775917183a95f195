// Package mware содержит middleware dev-бэкенда: проверку JWT и счётчик запросов.
package mware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/middleware"

	"github.com/magabrotheeeer/moviepass/internal/devbackend/response"
	"github.com/magabrotheeeer/moviepass/internal/lib/jwt"
	"github.com/magabrotheeeer/moviepass/internal/lib/metrics"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
)

// Key тип ключей контекста запроса.
type Key string

const (
	// UserID ключ идентификатора пользователя.
	UserID Key = "user_id"
	// Email ключ email пользователя.
	Email Key = "email"
)

// TokenParser проверяет токен.
type TokenParser interface {
	ParseToken(token string) (*jwt.CustomClaims, error)
}

// JWT пропускает запрос только с действительным bearer-токеном, иначе 401.
func JWT(parser TokenParser, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "mware.JWT"
			log := log.With(
				sl.Op(op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				log.Info("missing or invalid authorization header")
				response.Write(w, r, http.StatusUnauthorized, response.Error("Not authorized, no token"))
				return
			}
			claims, err := parser.ParseToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				log.Info("invalid or expired token", sl.Err(err))
				response.Write(w, r, http.StatusUnauthorized, response.Error("Not authorized, token failed"))
				return
			}
			ctx := context.WithValue(r.Context(), UserID, claims.UserID)
			ctx = context.WithValue(ctx, Email, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFrom достаёт идентификатор пользователя, положенный JWT.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(UserID).(string)
	return id
}

// Metrics считает запросы по методу и статусу.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.BackendRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	})
}
