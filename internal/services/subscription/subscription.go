// Package subscription выводит право доступа из текущей подписки, активирует
// бесплатный тариф, инициирует оплату платных тарифов и подтверждает активацию
// после оплаты опросом бэкенда.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/lib/metrics"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

// Gateway удалённый Subscription API.
type Gateway interface {
	// Plans каталог тарифов.
	Plans(ctx context.Context) ([]models.SubscriptionPlan, error)
	// Create создаёт ожидающую оплаты подписку и платёжное намерение.
	Create(ctx context.Context, priceRef string) (*models.PaymentIntent, error)
	// Current текущая подписка; (nil, nil), если её нет.
	Current(ctx context.Context) (*models.Subscription, error)
	// Confirm сообщает бэкенду способ оплаты подписки.
	Confirm(ctx context.Context, subscriptionID, paymentMethodID string) (*models.Subscription, error)
	// Cancel отменяет подписку в конце оплаченного периода.
	Cancel(ctx context.Context) error
}

// Snapshot состояние подписки на момент чтения.
type Snapshot struct {
	Subscription          *models.Subscription
	HasActiveSubscription bool
	// Known false после неудачного получения подписки: право доступа неизвестно.
	Known bool
	// PendingActivation оплата прошла, но бэкенд ещё не подтвердил подписку.
	PendingActivation bool
}

const freePeriod = 365 * 24 * time.Hour

// Manager владеет последней известной подпиской. Подписка не сохраняется
// локально, кроме синтезированной бесплатной.
type Manager struct {
	gw   Gateway
	opts config.Activation
	log  *slog.Logger
	now  func() time.Time

	refresh singleflight.Group

	mu         sync.RWMutex
	sub        *models.Subscription
	known      bool
	pending    *models.PaymentIntent
	activation *Activation
	generation uint64
	onChange   func()
	onResult   func(ActivationResult)
}

// NewManager создаёт Manager с параметрами протокола активации.
func NewManager(gw Gateway, opts config.Activation, log *slog.Logger) *Manager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Manager{
		gw:   gw,
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

// OnChange регистрирует наблюдателя изменения подписки.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnActivationResult регистрирует наблюдателя терминальных исходов активации.
// Отменённые активации ему не сообщаются.
func (m *Manager) OnActivationResult(fn func(ActivationResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
}

// Snapshot текущее состояние.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Subscription:          cloneSub(m.sub),
		HasActiveSubscription: m.sub.IsActive(),
		Known:                 m.known,
		PendingActivation:     m.pending != nil,
	}
}

// Refresh получает текущую подписку. Параллельные вызовы разделяют один запрос
// к бэкенду и получают один и тот же результат. Ошибка получения не превращается
// в «подписки нет»: возвращается ErrSubscriptionFetch, а Snapshot.Known становится false.
func (m *Manager) Refresh(ctx context.Context) (*models.Subscription, error) {
	m.mu.RLock()
	gen := m.generation
	m.mu.RUnlock()

	// вызовы разных сессий не разделяют один запрос
	ch := m.refresh.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.fetch(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		result := "success"
		if res.Err != nil {
			result = "error"
		}
		metrics.SubscriptionRefreshes.WithLabelValues(result, strconv.FormatBool(res.Shared)).Inc()
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneSub(res.Val.(*models.Subscription)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) fetch(ctx context.Context, gen uint64) (*models.Subscription, error) {
	const op = "subscription.Manager.Refresh"
	log := m.log.With(sl.Op(op))

	sub, err := m.gw.Current(ctx)

	m.mu.Lock()
	if gen != m.generation {
		// сессия сменилась, пока шёл запрос
		m.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ErrSubscriptionFetch, err)
		}
		return sub, nil
	}
	if err != nil {
		m.known = false
		m.mu.Unlock()
		log.Warn("failed to fetch subscription", sl.Err(err))
		m.notify()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrSubscriptionFetch, err)
	}
	if sub != nil || !m.sub.IsLocalFree() {
		m.sub = sub
	}
	m.known = true
	if m.sub.IsActive() {
		m.pending = nil
	}
	current := cloneSub(m.sub)
	m.mu.Unlock()

	log.Debug("subscription refreshed", slog.Bool("active", current.IsActive()))
	m.notify()
	return current, nil
}

// ActivateFree локально синтезирует бесплатную подписку. Бэкенд не вызывается.
func (m *Manager) ActivateFree() *models.Subscription {
	sub := &models.Subscription{
		ID:                models.FreeSubscriptionID,
		PlanID:            models.FreePlanID,
		Status:            models.StatusActive,
		CurrentPeriodEnd:  m.now().Add(freePeriod),
		CancelAtPeriodEnd: false,
	}
	m.mu.Lock()
	m.sub = sub
	m.known = true
	m.pending = nil
	m.mu.Unlock()

	m.log.Info("free plan activated", sl.Op("subscription.Manager.ActivateFree"))
	m.notify()
	return cloneSub(sub)
}

// Plans каталог тарифов.
func (m *Manager) Plans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	const op = "subscription.Manager.Plans"
	plans, err := m.gw.Plans(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return plans, nil
}

// FindPlan ищет тариф по идентификатору.
func (m *Manager) FindPlan(ctx context.Context, id string) (models.SubscriptionPlan, error) {
	const op = "subscription.Manager.FindPlan"
	plans, err := m.Plans(ctx)
	if err != nil {
		return models.SubscriptionPlan{}, err
	}
	for _, p := range plans {
		if p.ID == id {
			return p, nil
		}
	}
	return models.SubscriptionPlan{}, fmt.Errorf("%s: %q: %w", op, id, ErrPlanNotFound)
}

// InitiatePayment создаёт ожидающую оплаты подписку для платного тарифа и
// возвращает платёжное намерение. Право доступа не меняется.
func (m *Manager) InitiatePayment(ctx context.Context, plan models.SubscriptionPlan) (*models.PaymentIntent, error) {
	const op = "subscription.Manager.InitiatePayment"
	log := m.log.With(sl.Op(op), slog.String("plan_id", plan.ID))

	if plan.Free() || plan.ProviderPriceRef == "" {
		return nil, fmt.Errorf("%s: plan %q has no price reference: %w", op, plan.ID, ErrPlanNotFound)
	}
	m.mu.RLock()
	busy := m.pending != nil || m.activation != nil
	m.mu.RUnlock()
	if busy {
		return nil, fmt.Errorf("%s: %w", op, ErrActivationPending)
	}

	intent, err := m.gw.Create(ctx, plan.ProviderPriceRef)
	if err != nil {
		log.Warn("failed to create payment intent", sl.Err(err))
		return nil, fmt.Errorf("%s: %w: %w", op, ErrPaymentIntentCreationFailed, err)
	}
	log.Info("payment intent created", slog.String("subscription_id", intent.SubscriptionID))
	return intent, nil
}

// Select выбирает тариф: бесплатный активируется сразу (intent == nil),
// для платного создаётся платёжное намерение.
func (m *Manager) Select(ctx context.Context, plan models.SubscriptionPlan) (*models.PaymentIntent, error) {
	if plan.Free() {
		m.ActivateFree()
		return nil, nil
	}
	return m.InitiatePayment(ctx, plan)
}

// Cancel отменяет подписку и перечитывает её. Локальная бесплатная подписка
// снимается без обращения к бэкенду.
func (m *Manager) Cancel(ctx context.Context) error {
	const op = "subscription.Manager.Cancel"
	log := m.log.With(sl.Op(op))

	m.mu.Lock()
	if m.sub.IsLocalFree() {
		m.sub = nil
		m.known = true
		m.mu.Unlock()
		log.Info("free plan removed")
		m.notify()
		return nil
	}
	m.mu.Unlock()

	if err := m.gw.Cancel(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := m.Refresh(ctx); err != nil {
		log.Warn("refresh after cancel failed", sl.Err(err))
	}
	return nil
}

// Reset забывает подписку при выходе из сессии и прерывает идущую активацию.
// Запросы, начатые до Reset, состояние уже не меняют.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.generation++
	m.sub = nil
	m.known = false
	m.pending = nil
	a := m.activation
	m.activation = nil
	m.mu.Unlock()

	if a != nil {
		a.cancel()
	}
	m.notify()
}

func (m *Manager) apply(sub *models.Subscription) {
	m.mu.Lock()
	m.sub = cloneSub(sub)
	m.known = true
	if m.sub.IsActive() {
		m.pending = nil
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func cloneSub(s *models.Subscription) *models.Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
