package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/moviepass/internal/lib/metrics"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
	"github.com/magabrotheeeer/moviepass/internal/payment"
)

// Outcome терминальный исход протокола подтверждения активации.
type Outcome string

const (
	// OutcomeActivated бэкенд подтвердил активную подписку.
	OutcomeActivated Outcome = "activated"
	// OutcomePendingActivation оплата прошла, попытки исчерпаны, подтверждения нет.
	// Это не ошибка: деньги списаны, повторно платить не нужно.
	OutcomePendingActivation Outcome = "pending_activation"
	// OutcomePaymentFailed провайдер сообщил об отказе или отмене; опроса не было.
	OutcomePaymentFailed Outcome = "payment_failed"
)

// ActivationResult итог активации.
type ActivationResult struct {
	Outcome      Outcome
	Subscription *models.Subscription
	// Attempts число выполненных опросов; 0, если подписка подтвердилась сразу.
	Attempts int
	// Payment заполнен только для OutcomePaymentFailed.
	Payment *PaymentError
}

// Message текст для пользователя.
func (r ActivationResult) Message() string {
	switch r.Outcome {
	case OutcomeActivated:
		return "Your subscription is now active."
	case OutcomePendingActivation:
		return "Payment received. Your subscription will be activated shortly."
	default:
		if r.Payment != nil && r.Payment.Message != "" {
			return r.Payment.Message
		}
		return "Payment failed. Please try again."
	}
}

// Activation отменяемая фоновая задача подтверждения оплаты.
// Инициатор должен вызвать Cancel, когда результат ему больше не нужен.
type Activation struct {
	cancel   context.CancelFunc
	done     chan ActivationResult
	finished chan struct{}
}

// Done закрывается после терминального исхода. При отмене канал закрывается без значения.
func (a *Activation) Done() <-chan ActivationResult {
	return a.done
}

// Cancel прерывает ожидание и опрос и ждёт остановки задачи. Повторный вызов безопасен.
func (a *Activation) Cancel() {
	a.cancel()
	<-a.finished
}

// StartActivation показывает платёжную форму для намерения и, если оплата прошла,
// запускает протокол подтверждения: пауза settle, затем до MaxAttempts обновлений
// подписки через PollInterval до первого активного состояния.
func (m *Manager) StartActivation(ctx context.Context, intent *models.PaymentIntent, provider payment.Provider) (*Activation, error) {
	const op = "subscription.Manager.StartActivation"
	if intent == nil || intent.ClientSecret == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidIntent)
	}

	actx, cancel := context.WithCancel(ctx)
	a := &Activation{
		cancel:   cancel,
		done:     make(chan ActivationResult, 1),
		finished: make(chan struct{}),
	}

	m.mu.Lock()
	if m.activation != nil {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%s: %w", op, ErrActivationPending)
	}
	m.activation = a
	gen := m.generation
	m.mu.Unlock()

	go m.runActivation(actx, a, gen, intent, provider)
	return a, nil
}

func (m *Manager) runActivation(ctx context.Context, a *Activation, gen uint64, intent *models.PaymentIntent, provider payment.Provider) {
	const op = "subscription.Manager.activation"
	log := m.log.With(sl.Op(op), slog.String("subscription_id", intent.SubscriptionID))

	defer a.cancel()

	res := m.activate(ctx, log, gen, intent, provider)

	m.mu.Lock()
	if m.activation == a {
		m.activation = nil
	}
	m.mu.Unlock()

	if ctx.Err() != nil {
		log.Info("activation canceled")
		metrics.ActivationOutcomes.WithLabelValues("canceled").Inc()
		close(a.done)
		close(a.finished)
		return
	}

	log.Info("activation finished", slog.String("outcome", string(res.Outcome)), slog.Int("attempts", res.Attempts))
	metrics.ActivationOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	// задача остановлена до доставки результата: Cancel из обработчика не ждёт сам себя
	close(a.finished)

	m.mu.RLock()
	report := m.onResult
	m.mu.RUnlock()
	if report != nil {
		report(res)
	}
	a.done <- res
	close(a.done)
}

func (m *Manager) activate(ctx context.Context, log *slog.Logger, gen uint64, intent *models.PaymentIntent, provider payment.Provider) ActivationResult {
	pres, err := provider.Present(ctx, intent.ClientSecret)
	if err != nil {
		log.Warn("payment sheet failed", sl.Err(err))
		return failed(PaymentSetupFailed, "Unable to start payment. Please try again.", err)
	}
	switch pres.Outcome {
	case payment.Succeeded:
	case payment.Canceled:
		return failed(PaymentCanceled, "Payment canceled. You can try again anytime.", nil)
	case payment.Failed:
		msg := pres.Message
		if msg == "" {
			msg = "Your payment was declined. Please try again."
		}
		return failed(PaymentDeclined, msg, nil)
	default:
		return failed(PaymentSetupFailed, "Unable to start payment. Please try again.", fmt.Errorf("unknown outcome %q", pres.Outcome))
	}

	if pres.PaymentMethodID != "" && intent.SubscriptionID != "" {
		sub, err := m.gw.Confirm(ctx, intent.SubscriptionID, pres.PaymentMethodID)
		switch {
		case err != nil:
			log.Warn("confirm failed, falling back to polling", sl.Err(err))
		case sub.IsActive():
			if m.sameGeneration(gen) {
				m.apply(sub)
			}
			return ActivationResult{Outcome: OutcomeActivated, Subscription: cloneSub(sub)}
		}
	}

	if !sleep(ctx, m.opts.SettleDelay) {
		return ActivationResult{}
	}
	var last *models.Subscription
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		sub, err := m.Refresh(ctx)
		if ctx.Err() != nil {
			return ActivationResult{}
		}
		if err != nil {
			log.Warn("activation poll failed", slog.Int("attempt", attempt), sl.Err(err))
		} else {
			last = sub
			if sub.IsActive() {
				return ActivationResult{Outcome: OutcomeActivated, Subscription: sub, Attempts: attempt}
			}
		}
		if attempt < m.opts.MaxAttempts && !sleep(ctx, m.opts.PollInterval) {
			return ActivationResult{}
		}
	}

	m.mu.Lock()
	if m.generation == gen {
		m.pending = intent
	}
	m.mu.Unlock()
	m.notify()
	return ActivationResult{Outcome: OutcomePendingActivation, Subscription: last, Attempts: m.opts.MaxAttempts}
}

func (m *Manager) sameGeneration(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation == gen
}

func failed(kind PaymentErrorKind, msg string, err error) ActivationResult {
	return ActivationResult{
		Outcome: OutcomePaymentFailed,
		Payment: &PaymentError{Kind: kind, Message: msg, Err: err},
	}
}

// sleep ждёт d или отмены ctx; false означает отмену. Таймер всегда останавливается.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
