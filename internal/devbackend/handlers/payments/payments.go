// Package payments эмулирует платёжного провайдера: списание по client secret
// и подписанный webhook о платеже, приходящий с задержкой.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/moviepass/internal/devbackend/billing"
	"github.com/magabrotheeeer/moviepass/internal/devbackend/response"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
)

// SignatureHeader заголовок подписи webhook.
const SignatureHeader = "X-Api-Signature"

const eventPaymentSucceeded = "payment.succeeded"

// Service списания и активация подписок.
type Service interface {
	Charge(clientSecret, card string) (string, error)
	Activate(subscriptionID string) error
}

// Payload тело webhook.
type Payload struct {
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// Sign подпись тела: base64(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Handler обработчики платежей.
type Handler struct {
	log      *slog.Logger
	service  Service
	secret   string
	validate *validator.Validate
}

// New создаёт Handler.
func New(log *slog.Logger, service Service, webhookSecret string) *Handler {
	return &Handler{log: log, service: service, secret: webhookSecret, validate: validator.New()}
}

type chargeRequest struct {
	Card string `json:"card" validate:"required,numeric,len=16"`
}

// Charge POST /dev/payments/{clientSecret}/charge.
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payments.Charge"
	log := h.log.With(sl.Op(op))

	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Write(w, r, http.StatusBadRequest, response.Error("invalid request body"))
		return
	}
	req.Card = strings.ReplaceAll(req.Card, " ", "")
	if err := h.validate.Struct(req); err != nil {
		response.Write(w, r, http.StatusBadRequest, response.Error("Your card number is invalid."))
		return
	}

	pm, err := h.service.Charge(chi.URLParam(r, "clientSecret"), req.Card)
	switch {
	case errors.Is(err, billing.ErrIntentNotFound):
		response.Write(w, r, http.StatusNotFound, response.Error("Payment intent not found"))
		return
	case errors.Is(err, billing.ErrAlreadyCharged):
		response.Write(w, r, http.StatusConflict, response.Error("Payment intent already used"))
		return
	case errors.Is(err, billing.ErrCardDeclined):
		log.Info("card declined")
		response.Write(w, r, http.StatusPaymentRequired, response.Error("Your card was declined."))
		return
	case err != nil:
		log.Error("charge failed", sl.Err(err))
		response.Write(w, r, http.StatusInternalServerError, response.Error("Payment failed"))
		return
	}
	response.Write(w, r, http.StatusOK, response.OK(map[string]string{
		"status":          "succeeded",
		"paymentMethodId": pm,
	}))
}

// Webhook POST /webhooks/payment. Принимает только тела с верной подписью.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payments.Webhook"
	log := h.log.With(sl.Op(op))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(SignatureHeader)
	if signature == "" || !verify(h.secret, body, signature) {
		log.Error("invalid or missing webhook signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if strings.ToLower(payload.Event) != eventPaymentSucceeded {
		log.Info("ignored webhook event", slog.String("event", payload.Event))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := h.service.Activate(payload.Object.Metadata["subscription_id"]); err != nil {
		log.Error("failed to process webhook event", sl.Err(err))
		w.WriteHeader(http.StatusNotFound)
		return
	}
	log.Info("webhook processed successfully", slog.String("payment_id", payload.Object.ID))
	w.WriteHeader(http.StatusOK)
}

// Deliverer отправляет подписанные webhook в обработчик того же процесса.
type Deliverer struct {
	log     *slog.Logger
	secret  string
	handler http.Handler
}

// NewDeliverer создаёт Deliverer.
func NewDeliverer(log *slog.Logger, secret string, handler http.Handler) *Deliverer {
	return &Deliverer{log: log, secret: secret, handler: handler}
}

// Deliver отправляет событие payment.succeeded; сигнатура совпадает с billing.Notifier.
func (d *Deliverer) Deliver(ctx context.Context, paymentID, subscriptionID string) {
	const op = "handlers.payments.Deliver"
	var p Payload
	p.Event = eventPaymentSucceeded
	p.Object.ID = paymentID
	p.Object.Status = "succeeded"
	p.Object.Metadata = map[string]string{"subscription_id": subscriptionID}

	body, err := json.Marshal(p)
	if err != nil {
		d.log.Error("failed to marshal webhook", sl.Op(op), sl.Err(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/payment", strings.NewReader(string(body)))
	if err != nil {
		d.log.Error("failed to build webhook request", sl.Op(op), sl.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(d.secret, body))

	rec := &statusRecorder{header: http.Header{}}
	d.handler.ServeHTTP(rec, req)
	d.log.Info("webhook delivered", sl.Op(op), slog.String("payment_id", paymentID), slog.Int("status", rec.status))
}

type statusRecorder struct {
	header http.Header
	status int
}

func (s *statusRecorder) Header() http.Header { return s.header }

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return len(b), nil
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
}
