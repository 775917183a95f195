// Package billing хранит в памяти пользователей, подписки и платёжные намерения
// dev-бэкенда и реализует их бизнес-правила.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/moviepass/internal/lib/password"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

var (
	ErrUserExists          = errors.New("user already exists")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUserNotFound        = errors.New("user not found")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrSubscriptionActive  = errors.New("subscription already active")
	ErrSubscriptionMissing = errors.New("subscription not found")
	ErrIntentNotFound      = errors.New("payment intent not found")
	ErrAlreadyCharged      = errors.New("payment intent already charged")
	ErrCardDeclined        = errors.New("card declined")
)

// DeclinedCard номер тестовой карты, которая всегда отклоняется.
const DeclinedCard = "4000000000000002"

const billingPeriod = 30 * 24 * time.Hour

// Catalog тарифы dev-бэкенда.
var Catalog = []models.SubscriptionPlan{
	{
		ID:       models.FreePlanID,
		Name:     "Free",
		Price:    0,
		Currency: "usd",
		Interval: "month",
		Features: []string{"Browse the catalog", "Personal favorites"},
		IsFree:   true,
	},
	{
		ID:               "basic",
		Name:             "Basic",
		Price:            8.99,
		Currency:         "usd",
		Interval:         "month",
		Features:         []string{"HD streaming", "1 screen"},
		ProviderPriceRef: "price_basic_monthly",
	},
	{
		ID:               "premium",
		Name:             "Premium",
		Price:            15.99,
		Currency:         "usd",
		Interval:         "month",
		Features:         []string{"4K streaming", "4 screens", "Offline downloads"},
		ProviderPriceRef: "price_premium_monthly",
	},
}

// Notifier доставляет уведомление об успешном платеже (webhook).
type Notifier func(ctx context.Context, paymentID, subscriptionID string)

type account struct {
	user models.User
	hash string
}

type intent struct {
	id             string
	userID         string
	subscriptionID string
	charged        bool
	paymentMethod  string
}

// Service состояние dev-бэкенда.
type Service struct {
	log    *slog.Logger
	hasher password.Hasher
	lag    time.Duration
	now    func() time.Time

	mu            sync.Mutex
	users         map[string]*account // по email
	subscriptions map[string]*models.Subscription
	intents       map[string]*intent // по client secret
	notify        Notifier
	timers        []*time.Timer
}

// New создаёт Service. lag задержка webhook после списания.
func New(log *slog.Logger, hasher password.Hasher, lag time.Duration) *Service {
	return &Service{
		log:           log,
		hasher:        hasher,
		lag:           lag,
		now:           time.Now,
		users:         make(map[string]*account),
		subscriptions: make(map[string]*models.Subscription),
		intents:       make(map[string]*intent),
	}
}

// SetNotifier задаёт доставку webhook.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = n
}

// Register создаёт пользователя.
func (s *Service) Register(email, pass string) (models.User, error) {
	const op = "billing.Register"
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := s.hasher.Hash(pass)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrUserExists)
	}
	acc := &account{
		user: models.User{ID: uuid.NewString(), Email: email, Watchlist: []models.WatchlistItem{}},
		hash: hash,
	}
	s.users[email] = acc
	return acc.user, nil
}

// Authenticate проверяет пароль.
func (s *Service) Authenticate(email, pass string) (models.User, error) {
	const op = "billing.Authenticate"
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	acc, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err := s.hasher.Compare(acc.hash, pass); err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	return s.withEntitlement(acc.user), nil
}

func (s *Service) withEntitlement(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.HasActiveSubscription = s.subscriptions[u.ID].IsActive()
	return u
}

// Plans каталог.
func (s *Service) Plans() []models.SubscriptionPlan {
	return append([]models.SubscriptionPlan(nil), Catalog...)
}

// CreateSubscription создаёт неоплаченную подписку и платёжное намерение.
func (s *Service) CreateSubscription(userID, priceRef string) (*models.PaymentIntent, error) {
	const op = "billing.CreateSubscription"
	plan, ok := planByPriceRef(priceRef)
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, priceRef, ErrPlanNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions[userID].IsActive() {
		return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionActive)
	}
	sub := &models.Subscription{
		ID:                     uuid.NewString(),
		PlanID:                 plan.ID,
		Status:                 models.StatusUnpaid,
		CurrentPeriodEnd:       s.now().Add(billingPeriod),
		ProviderSubscriptionID: "sub_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	s.subscriptions[userID] = sub

	paymentID := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	secret := paymentID + "_secret_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s.intents[secret] = &intent{id: paymentID, userID: userID, subscriptionID: sub.ID}

	s.log.Info("subscription created", slog.String("op", op), slog.String("user_id", userID), slog.String("plan_id", plan.ID))
	return &models.PaymentIntent{ClientSecret: secret, SubscriptionID: sub.ID}, nil
}

// Current текущая подписка пользователя или nil.
func (s *Service) Current(userID string) *models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySub(s.subscriptions[userID])
}

// Confirm привязывает способ оплаты к подписке. Статус меняет только webhook.
func (s *Service) Confirm(userID, subscriptionID, paymentMethodID string) (*models.Subscription, error) {
	const op = "billing.Confirm"
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subscriptions[userID]
	if sub == nil || sub.ID != subscriptionID {
		return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionMissing)
	}
	s.log.Info("payment method attached", slog.String("op", op), slog.String("payment_method", paymentMethodID))
	return copySub(sub), nil
}

// Cancel отменяет подписку в конце периода.
func (s *Service) Cancel(userID string) (*models.Subscription, error) {
	const op = "billing.Cancel"
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subscriptions[userID]
	if sub == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrSubscriptionMissing)
	}
	sub.CancelAtPeriodEnd = true
	return copySub(sub), nil
}

// Charge списывает оплату по намерению и планирует webhook через lag.
func (s *Service) Charge(clientSecret, card string) (string, error) {
	const op = "billing.Charge"
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[clientSecret]
	if !ok {
		return "", fmt.Errorf("%s: %w", op, ErrIntentNotFound)
	}
	if in.charged {
		return "", fmt.Errorf("%s: %w", op, ErrAlreadyCharged)
	}
	if card == DeclinedCard {
		return "", fmt.Errorf("%s: %w", op, ErrCardDeclined)
	}
	in.charged = true
	in.paymentMethod = "pm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]

	if s.notify != nil {
		notify := s.notify
		paymentID, subID := in.id, in.subscriptionID
		s.timers = append(s.timers, time.AfterFunc(s.lag, func() {
			notify(context.Background(), paymentID, subID)
		}))
	}
	s.log.Info("payment charged", slog.String("op", op), slog.String("payment_id", in.id), slog.Duration("webhook_lag", s.lag))
	return in.paymentMethod, nil
}

// Activate применяет успешный платёж: подписка становится активной на период.
func (s *Service) Activate(subscriptionID string) error {
	const op = "billing.Activate"
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.ID == subscriptionID {
			sub.Status = models.StatusActive
			sub.CurrentPeriodEnd = s.now().Add(billingPeriod)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", op, ErrSubscriptionMissing)
}

// Close останавливает запланированные webhook.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func planByPriceRef(ref string) (models.SubscriptionPlan, bool) {
	for _, p := range Catalog {
		if ref != "" && p.ProviderPriceRef == ref {
			return p, true
		}
	}
	return models.SubscriptionPlan{}, false
}

func copySub(s *models.Subscription) *models.Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
