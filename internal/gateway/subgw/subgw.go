// Package subgw клиент Subscription API: тарифы, создание, подтверждение,
// получение и отмена подписки. Повторов и backoff здесь нет.
package subgw

import (
	"context"
	"fmt"
	"net/http"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

// Doer выполняет запрос к бэкенду.
type Doer interface {
	Do(ctx context.Context, r api.Request, out any) error
}

// Gateway клиент /subscriptions.
type Gateway struct {
	client Doer
}

// New создаёт Gateway.
func New(client Doer) *Gateway {
	return &Gateway{client: client}
}

type createRequest struct {
	PlanPriceRef string `json:"planPriceRef"`
}

type confirmRequest struct {
	SubscriptionID  string `json:"subscriptionId"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
}

type plansData struct {
	Plans []models.SubscriptionPlan `json:"plans"`
}

type subscriptionData struct {
	Subscription *models.Subscription `json:"subscription"`
}

// Plans GET /subscriptions/plans.
func (g *Gateway) Plans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	const op = "subgw.Plans"
	var resp api.Envelope[plansData]
	if err := g.client.Do(ctx, api.Request{Method: http.MethodGet, Path: "/subscriptions/plans"}, &resp); err != nil {
		return nil, err
	}
	if err := checkEnvelope(op, resp.Success, resp.Message); err != nil {
		return nil, err
	}
	return resp.Data.Plans, nil
}

// Create POST /subscriptions/create: создаёт ожидающую оплаты подписку и платёжное намерение.
func (g *Gateway) Create(ctx context.Context, priceRef string) (*models.PaymentIntent, error) {
	const op = "subgw.Create"
	var resp api.Envelope[*models.PaymentIntent]
	err := g.client.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/subscriptions/create",
		Body:   createRequest{PlanPriceRef: priceRef},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := checkEnvelope(op, resp.Success, resp.Message); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.ClientSecret == "" {
		return nil, fmt.Errorf("%s: missing client secret: %w", op, api.ErrBadResponse)
	}
	return resp.Data, nil
}

// Current GET /subscriptions/current. (nil, nil) означает, что подписки нет;
// любая ошибка транспорта возвращается как ошибка и не превращается в nil.
func (g *Gateway) Current(ctx context.Context) (*models.Subscription, error) {
	const op = "subgw.Current"
	var resp api.Envelope[*subscriptionData]
	if err := g.client.Do(ctx, api.Request{Method: http.MethodGet, Path: "/subscriptions/current"}, &resp); err != nil {
		return nil, err
	}
	if err := checkEnvelope(op, resp.Success, resp.Message); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%s: missing data: %w", op, api.ErrBadResponse)
	}
	return resp.Data.Subscription, nil
}

// Confirm POST /subscriptions/confirm.
func (g *Gateway) Confirm(ctx context.Context, subscriptionID, paymentMethodID string) (*models.Subscription, error) {
	const op = "subgw.Confirm"
	var resp api.Envelope[*subscriptionData]
	err := g.client.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/subscriptions/confirm",
		Body:   confirmRequest{SubscriptionID: subscriptionID, PaymentMethodID: paymentMethodID},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := checkEnvelope(op, resp.Success, resp.Message); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.Subscription == nil {
		return nil, fmt.Errorf("%s: missing subscription: %w", op, api.ErrBadResponse)
	}
	return resp.Data.Subscription, nil
}

// Cancel POST /subscriptions/cancel.
func (g *Gateway) Cancel(ctx context.Context) error {
	const op = "subgw.Cancel"
	var resp api.Envelope[any]
	if err := g.client.Do(ctx, api.Request{Method: http.MethodPost, Path: "/subscriptions/cancel"}, &resp); err != nil {
		return err
	}
	return checkEnvelope(op, resp.Success, resp.Message)
}

func checkEnvelope(op string, success bool, message string) error {
	if success {
		return nil
	}
	return fmt.Errorf("%s: %w", op, &api.StatusError{Code: http.StatusOK, Message: message})
}
