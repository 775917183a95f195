package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanNotFound тариф отсутствует в каталоге или не имеет цены у провайдера.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrPaymentIntentCreationFailed бэкенд не создал платёжное намерение.
	ErrPaymentIntentCreationFailed = errors.New("payment intent creation failed")
	// ErrSubscriptionFetch подписку получить не удалось: право доступа неизвестно.
	// Не путать с отсутствием подписки.
	ErrSubscriptionFetch = errors.New("subscription fetch failed")
	// ErrActivationPending оплата уже прошла или идёт; повторно инициировать нельзя.
	ErrActivationPending = errors.New("activation is pending")
	// ErrInvalidIntent намерение без client secret.
	ErrInvalidIntent = errors.New("invalid payment intent")
)

// PaymentErrorKind причина неуспешного платежа.
type PaymentErrorKind string

const (
	PaymentDeclined    PaymentErrorKind = "declined"
	PaymentCanceled    PaymentErrorKind = "canceled"
	PaymentSetupFailed PaymentErrorKind = "setup_failed"
)

// PaymentError отказ провайдера платежей. Пользователю предлагается попробовать снова.
type PaymentError struct {
	Kind    PaymentErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("payment %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}
