// Package auth обработчики /auth/register и /auth/login dev-бэкенда.
// Ответы плоские: {success, message, token, user}.
package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/moviepass/internal/devbackend/billing"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/response"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

// Service учётные записи.
type Service interface {
	Register(email, password string) (models.User, error)
	Authenticate(email, password string) (models.User, error)
}

// TokenMaker выпускает токены.
type TokenMaker interface {
	GenerateToken(userID, email string) (string, error)
}

// Handler обработчики аутентификации.
type Handler struct {
	log      *slog.Logger
	service  Service
	tokens   TokenMaker
	validate *validator.Validate
}

// New создаёт Handler.
func New(log *slog.Logger, service Service, tokens TokenMaker) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		tokens:   tokens,
		validate: validator.New(),
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger) (models.Credentials, bool) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		log.Info("failed to decode request body", sl.Err(err))
		response.Write(w, r, http.StatusBadRequest, response.Error("invalid request body"))
		return creds, false
	}
	if err := h.validate.Struct(creds); err != nil {
		log.Info("validation failed", sl.Err(err))
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			response.Write(w, r, http.StatusBadRequest, response.ValidationError(verrs))
		} else {
			response.Write(w, r, http.StatusBadRequest, response.Error("invalid request"))
		}
		return creds, false
	}
	return creds.Normalized(), true
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, log *slog.Logger, status int, user models.User) {
	token, err := h.tokens.GenerateToken(user.ID, user.Email)
	if err != nil {
		log.Error("failed to generate token", sl.Err(err))
		response.Write(w, r, http.StatusInternalServerError, models.AuthResponse{Message: "Server error"})
		return
	}
	response.Write(w, r, status, models.AuthResponse{Success: true, Token: token, User: &user})
}

// Register POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Register"
	log := h.log.With(sl.Op(op), slog.String("request_id", middleware.GetReqID(r.Context())))

	creds, ok := h.decode(w, r, log)
	if !ok {
		return
	}
	user, err := h.service.Register(creds.Email, creds.Password)
	if errors.Is(err, billing.ErrUserExists) {
		response.Write(w, r, http.StatusBadRequest, models.AuthResponse{Message: "User already exists"})
		return
	}
	if err != nil {
		log.Error("failed to register user", sl.Err(err))
		response.Write(w, r, http.StatusInternalServerError, models.AuthResponse{Message: "Server error"})
		return
	}
	log.Info("user registered", slog.String("user_id", user.ID))
	h.issue(w, r, log, http.StatusCreated, user)
}

// Login POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Login"
	log := h.log.With(sl.Op(op), slog.String("request_id", middleware.GetReqID(r.Context())))

	creds, ok := h.decode(w, r, log)
	if !ok {
		return
	}
	user, err := h.service.Authenticate(creds.Email, creds.Password)
	if err != nil {
		log.Info("login failed", sl.Err(err))
		response.Write(w, r, http.StatusUnauthorized, models.AuthResponse{Message: "Invalid email or password"})
		return
	}
	log.Info("login success", slog.String("user_id", user.ID))
	h.issue(w, r, log, http.StatusOK, user)
}
