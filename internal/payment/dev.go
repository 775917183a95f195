package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
)

// Тестовые карты dev-бэкенда.
const (
	CardSucceeds = "4242424242424242"
	CardDeclines = "4000000000000002"
)

// Doer выполняет запрос к бэкенду.
type Doer interface {
	Do(ctx context.Context, r api.Request, out any) error
}

// CardSource отдаёт номер карты, введённый пользователем; пустая строка означает,
// что пользователь закрыл форму.
type CardSource func(ctx context.Context) (string, error)

// StaticCard всегда отдаёт один и тот же номер.
func StaticCard(number string) CardSource {
	return func(context.Context) (string, error) { return number, nil }
}

// DevProvider проводит платёж через /dev/payments dev-бэкенда.
type DevProvider struct {
	client Doer
	card   CardSource
	log    *slog.Logger
}

// NewDevProvider создаёт DevProvider.
func NewDevProvider(client Doer, card CardSource, log *slog.Logger) *DevProvider {
	return &DevProvider{client: client, card: card, log: log}
}

type chargeRequest struct {
	Card string `json:"card"`
}

type chargeData struct {
	Status          string `json:"status"`
	PaymentMethodID string `json:"paymentMethodId"`
}

// Present запрашивает карту и списывает оплату по намерению.
func (p *DevProvider) Present(ctx context.Context, clientSecret string) (Result, error) {
	const op = "payment.DevProvider.Present"
	log := p.log.With(sl.Op(op))

	if clientSecret == "" {
		return Result{}, fmt.Errorf("%s: %w", op, ErrEmptyClientSecret)
	}
	card, err := p.card(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if card == "" {
		log.Info("payment sheet dismissed")
		return Result{Outcome: Canceled, Message: "Payment canceled"}, nil
	}

	var resp api.Envelope[chargeData]
	err = p.client.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/dev/payments/" + url.PathEscape(clientSecret) + "/charge",
		Body:   chargeRequest{Card: card},
		Public: true,
	}, &resp)
	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) && se.Code == http.StatusPaymentRequired {
			log.Info("card declined")
			return Result{Outcome: Failed, Message: api.Message(err, "Your card was declined.")}, nil
		}
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	switch resp.Data.Status {
	case "succeeded":
		return Result{Outcome: Succeeded, PaymentMethodID: resp.Data.PaymentMethodID}, nil
	case "declined":
		return Result{Outcome: Failed, Message: resp.Message}, nil
	default:
		return Result{}, fmt.Errorf("%s: unknown charge status %q: %w", op, resp.Data.Status, api.ErrBadResponse)
	}
}
