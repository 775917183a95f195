package models

import "time"

// SubscriptionStatus статус подписки у провайдера платежей.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// FreePlanID идентификатор бесплатного тарифа; обрабатывается без цены у провайдера.
const FreePlanID = "free"

// FreeSubscriptionID идентификатор локально синтезированной бесплатной подписки.
const FreeSubscriptionID = "free-subscription"

// Subscription текущая подписка пользователя.
type Subscription struct {
	ID                     string             `json:"id"`
	PlanID                 string             `json:"planId"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time          `json:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool               `json:"cancelAtPeriodEnd"`
	ProviderSubscriptionID string             `json:"stripeSubscriptionId,omitempty"`
}

// IsActive правило доступа: active или trialing. Безопасен для nil.
func (s *Subscription) IsActive() bool {
	return s != nil && (s.Status == StatusActive || s.Status == StatusTrialing)
}

// IsLocalFree сообщает, что подписка синтезирована локально для бесплатного тарифа.
func (s *Subscription) IsLocalFree() bool {
	return s != nil && s.ID == FreeSubscriptionID && s.PlanID == FreePlanID
}

// SubscriptionPlan тариф из каталога бэкенда.
type SubscriptionPlan struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Price            float64  `json:"price"`
	Currency         string   `json:"currency"`
	Interval         string   `json:"interval"`
	Features         []string `json:"features"`
	ProviderPriceRef string   `json:"stripePriceId,omitempty"`
	IsFree           bool     `json:"isFree"`
}

// Free сообщает, что тариф бесплатный.
func (p SubscriptionPlan) Free() bool {
	return p.IsFree || p.ID == FreePlanID
}

// PaymentIntent одноразовый дескриптор платежа, возвращаемый бэкендом.
type PaymentIntent struct {
	ClientSecret   string `json:"clientSecret"`
	SubscriptionID string `json:"subscriptionId"`
}
