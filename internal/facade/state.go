package facade

import (
	"github.com/magabrotheeeer/moviepass/internal/models"
	"github.com/magabrotheeeer/moviepass/internal/services/session"
)

// OpStatus состояние асинхронной операции.
type OpStatus int

const (
	OpIdle OpStatus = iota
	OpPending
	OpSucceeded
	OpFailed
)

func (s OpStatus) String() string {
	switch s {
	case OpPending:
		return "pending"
	case OpSucceeded:
		return "succeeded"
	case OpFailed:
		return "failed"
	default:
		return "idle"
	}
}

// OpState результат последней операции одного вида и сообщение для пользователя.
type OpState struct {
	Status  OpStatus
	Message string
}

// State модель чтения для UI.
type State struct {
	Status       session.Status
	User         *models.User
	Subscription *models.Subscription

	HasActiveSubscription bool
	// EntitlementKnown false, если последнее обновление подписки не удалось;
	// тогда HasActiveSubscription берётся из кэшированного пользователя.
	EntitlementKnown         bool
	PendingActivation        bool
	ShouldOfferPlanSelection bool

	AuthOp         OpState
	SubscriptionOp OpState
	PaymentOp      OpState
	FavoritesOp    OpState
}

// Authenticated сокращение для Status == StatusAuthenticated.
func (s State) Authenticated() bool {
	return s.Status == session.StatusAuthenticated
}
