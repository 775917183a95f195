// Package payment описывает провайдера платёжного UI: получает client secret
// платёжного намерения и возвращает терминальный исход платежа.
package payment

import (
	"context"
	"errors"
)

// Outcome терминальный исход показа платёжной формы.
type Outcome string

const (
	Succeeded Outcome = "success"
	Canceled  Outcome = "canceled"
	Failed    Outcome = "error"
)

// ErrEmptyClientSecret возвращается при попытке показать форму без намерения.
var ErrEmptyClientSecret = errors.New("empty client secret")

// Result итог платежа. PaymentMethodID заполняется только при успехе.
type Result struct {
	Outcome         Outcome
	Message         string
	PaymentMethodID string
}

// Provider показывает платёжную форму для намерения. Каждое намерение
// используется ровно один раз. Ошибка означает, что форму не удалось подготовить.
type Provider interface {
	Present(ctx context.Context, clientSecret string) (Result, error)
}

// ProviderFunc адаптер функции к Provider.
type ProviderFunc func(ctx context.Context, clientSecret string) (Result, error)

// Present вызывает f.
func (f ProviderFunc) Present(ctx context.Context, clientSecret string) (Result, error) {
	return f(ctx, clientSecret)
}
