// Package subscriptions обработчики /subscriptions dev-бэкенда.
package subscriptions

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/moviepass/internal/devbackend/billing"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/mware"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/response"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

// Service подписки пользователей.
type Service interface {
	Plans() []models.SubscriptionPlan
	CreateSubscription(userID, priceRef string) (*models.PaymentIntent, error)
	Current(userID string) *models.Subscription
	Confirm(userID, subscriptionID, paymentMethodID string) (*models.Subscription, error)
	Cancel(userID string) (*models.Subscription, error)
}

// Handler обработчики подписок.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создаёт Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service, validate: validator.New()}
}

type createRequest struct {
	PlanPriceRef string `json:"planPriceRef" validate:"required"`
}

type confirmRequest struct {
	SubscriptionID  string `json:"subscriptionId" validate:"required"`
	PaymentMethodID string `json:"paymentMethodId"`
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		sl.Op(op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("user_id", mware.UserIDFrom(r.Context())),
	)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Info("failed to decode request body", sl.Err(err))
		response.Write(w, r, http.StatusBadRequest, response.Error("invalid request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			response.Write(w, r, http.StatusBadRequest, response.ValidationError(verrs))
		} else {
			response.Write(w, r, http.StatusBadRequest, response.Error("invalid request"))
		}
		return false
	}
	return true
}

// Plans GET /subscriptions/plans.
func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	response.Write(w, r, http.StatusOK, response.OK(map[string]any{"plans": h.service.Plans()}))
}

// Create POST /subscriptions/create.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.subscriptions.Create"
	log := h.logger(r, op)

	var req createRequest
	if !h.decode(w, r, log, &req) {
		return
	}
	intent, err := h.service.CreateSubscription(mware.UserIDFrom(r.Context()), req.PlanPriceRef)
	switch {
	case errors.Is(err, billing.ErrPlanNotFound):
		response.Write(w, r, http.StatusNotFound, response.Error("Plan not found"))
		return
	case errors.Is(err, billing.ErrSubscriptionActive):
		response.Write(w, r, http.StatusConflict, response.Error("You already have an active subscription"))
		return
	case err != nil:
		log.Error("failed to create subscription", sl.Err(err))
		response.Write(w, r, http.StatusInternalServerError, response.Error("Failed to create subscription"))
		return
	}
	log.Info("subscription created", slog.String("subscription_id", intent.SubscriptionID))
	response.Write(w, r, http.StatusOK, response.OK(intent))
}

// Current GET /subscriptions/current.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	sub := h.service.Current(mware.UserIDFrom(r.Context()))
	response.Write(w, r, http.StatusOK, response.OK(map[string]any{"subscription": sub}))
}

// Confirm POST /subscriptions/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.subscriptions.Confirm"
	log := h.logger(r, op)

	var req confirmRequest
	if !h.decode(w, r, log, &req) {
		return
	}
	sub, err := h.service.Confirm(mware.UserIDFrom(r.Context()), req.SubscriptionID, req.PaymentMethodID)
	if errors.Is(err, billing.ErrSubscriptionMissing) {
		response.Write(w, r, http.StatusNotFound, response.Error("Subscription not found"))
		return
	}
	if err != nil {
		log.Error("failed to confirm subscription", sl.Err(err))
		response.Write(w, r, http.StatusInternalServerError, response.Error("Failed to confirm subscription"))
		return
	}
	response.Write(w, r, http.StatusOK, response.OK(map[string]any{"subscription": sub}))
}

// Cancel POST /subscriptions/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.subscriptions.Cancel"
	log := h.logger(r, op)

	sub, err := h.service.Cancel(mware.UserIDFrom(r.Context()))
	if errors.Is(err, billing.ErrSubscriptionMissing) {
		response.Write(w, r, http.StatusNotFound, response.Error("No active subscription"))
		return
	}
	if err != nil {
		log.Error("failed to cancel subscription", sl.Err(err))
		response.Write(w, r, http.StatusInternalServerError, response.Error("Failed to cancel subscription"))
		return
	}
	log.Info("subscription will cancel at period end")
	response.Write(w, r, http.StatusOK, response.OK(map[string]any{"subscription": sub}))
}
