// Package facade единая точка входа UI в жизненный цикл сессии и подписки.
// Создаётся один раз при старте процесса и передаётся потребителям явно.
package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
	"github.com/magabrotheeeer/moviepass/internal/payment"
	"github.com/magabrotheeeer/moviepass/internal/services/favorites"
	"github.com/magabrotheeeer/moviepass/internal/services/session"
	"github.com/magabrotheeeer/moviepass/internal/services/subscription"
)

// ErrNotAuthenticated операция требует активной сессии.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrFavoritesDisabled хранилище избранного не подключено.
var ErrFavoritesDisabled = errors.New("favorites are not configured")

// ValidationError ошибка формы; до менеджеров и сети не доходит.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

const (
	msgSubscriptionFetch = "Unable to load your subscription. Please try again."
	msgFavorites         = "Unable to update favorites. Please try again."
)

type opKind int

const (
	opAuth opKind = iota
	opSubscription
	opPayment
	opFavorites
	opCount
)

// Facade объединяет SessionManager и SubscriptionLifecycleManager.
type Facade struct {
	sessions  *session.Manager
	subs      *subscription.Manager
	favorites *favorites.Store
	provider  payment.Provider
	validate  *validator.Validate
	log       *slog.Logger

	mu        sync.RWMutex
	ops       [opCount]OpState
	listeners map[int]func(State)
	nextID    int
}

// New связывает менеджеры между собой. favs может быть nil.
func New(
	sessions *session.Manager,
	subs *subscription.Manager,
	favs *favorites.Store,
	provider payment.Provider,
	log *slog.Logger,
) *Facade {
	f := &Facade{
		sessions:  sessions,
		subs:      subs,
		favorites: favs,
		provider:  provider,
		validate:  validator.New(),
		log:       log,
		listeners: make(map[int]func(State)),
	}

	sessions.OnAuthenticated(func(ctx context.Context) error {
		// подписка предыдущего пользователя не переживает новый вход
		subs.Reset()
		_, err := f.refresh(ctx)
		return err
	})
	sessions.OnSignedOut(subs.Reset)
	sessions.OnChange(f.emit)
	subs.OnChange(f.onSubscriptionChange)
	subs.OnActivationResult(f.onActivationResult)
	return f
}

// Start восстанавливает сессию и, если она есть, обновляет подписку.
func (f *Facade) Start(ctx context.Context) State {
	const op = "facade.Start"
	if f.sessions.Initialize(ctx) == session.StatusAuthenticated {
		if _, err := f.refresh(ctx); err != nil {
			f.log.Warn("subscription refresh on start failed", sl.Op(op), sl.Err(err))
		}
	}
	return f.State()
}

// State текущая модель чтения.
func (f *Facade) State() State {
	st := State{Status: f.sessions.Status()}
	snap := f.subs.Snapshot()

	user, ok := f.sessions.User()
	if ok {
		st.User = &user
	}
	if st.Authenticated() {
		st.Subscription = snap.Subscription
		st.EntitlementKnown = snap.Known
		st.PendingActivation = snap.PendingActivation
		if snap.Known {
			st.HasActiveSubscription = snap.HasActiveSubscription
		} else if st.User != nil {
			st.HasActiveSubscription = st.User.HasActiveSubscription
		}
		st.ShouldOfferPlanSelection = !st.HasActiveSubscription
	}

	f.mu.RLock()
	st.AuthOp = f.ops[opAuth]
	st.SubscriptionOp = f.ops[opSubscription]
	st.PaymentOp = f.ops[opPayment]
	st.FavoritesOp = f.ops[opFavorites]
	f.mu.RUnlock()
	return st
}

// Subscribe регистрирует слушателя изменений состояния. Возвращает функцию отписки.
func (f *Facade) Subscribe(fn func(State)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// SignIn вход. Ошибка: *ValidationError или *session.AuthError.
func (f *Facade) SignIn(ctx context.Context, creds models.Credentials) error {
	return f.authenticate(ctx, creds, f.sessions.SignIn)
}

// SignUp регистрация.
func (f *Facade) SignUp(ctx context.Context, creds models.Credentials) error {
	return f.authenticate(ctx, creds, f.sessions.SignUp)
}

func (f *Facade) authenticate(
	ctx context.Context,
	creds models.Credentials,
	call func(context.Context, models.Credentials) (*models.Session, error),
) error {
	creds = creds.Normalized()
	if err := f.validateCredentials(creds); err != nil {
		f.setOp(opAuth, OpFailed, err.Message)
		return err
	}

	f.setOp(opAuth, OpPending, "")
	if _, err := call(ctx, creds); err != nil {
		var ae *session.AuthError
		msg := "Something went wrong. Please try again."
		if errors.As(err, &ae) {
			msg = ae.Message
		}
		f.setOp(opAuth, OpFailed, msg)
		return err
	}
	f.setOp(opAuth, OpSucceeded, "")
	return nil
}

func (f *Facade) validateCredentials(creds models.Credentials) *ValidationError {
	err := f.validate.Struct(creds)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: "Please check the form.", Err: err}
	}
	switch verrs[0].Field() {
	case "Email":
		return &ValidationError{Message: "Please enter a valid email address.", Err: err}
	default:
		return &ValidationError{Message: "Password must be at least 6 characters.", Err: err}
	}
}

// SignOut локальный выход. Всегда успешен.
func (f *Facade) SignOut(ctx context.Context) {
	f.mu.Lock()
	f.ops = [opCount]OpState{}
	f.mu.Unlock()
	f.sessions.SignOut(ctx)
}

// HandleUnauthorized реакция на 401 от бэкенда: принудительный выход, если
// отклонён токен текущей сессии.
func (f *Facade) HandleUnauthorized(ctx context.Context, token string) {
	f.sessions.Invalidate(ctx, token)
}

// RefreshSubscription явное обновление подписки.
func (f *Facade) RefreshSubscription(ctx context.Context) (*models.Subscription, error) {
	if !f.authenticated() {
		return nil, ErrNotAuthenticated
	}
	return f.refresh(ctx)
}

func (f *Facade) refresh(ctx context.Context) (*models.Subscription, error) {
	f.setOp(opSubscription, OpPending, "")
	sub, err := f.subs.Refresh(ctx)
	if err != nil {
		f.setOp(opSubscription, OpFailed, msgSubscriptionFetch)
		return nil, err
	}
	f.setOp(opSubscription, OpSucceeded, "")
	return sub, nil
}

// Plans каталог тарифов.
func (f *Facade) Plans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	return f.subs.Plans(ctx)
}

// SelectPlan выбирает тариф по идентификатору. Для бесплатного intent == nil.
func (f *Facade) SelectPlan(ctx context.Context, planID string) (*models.PaymentIntent, error) {
	if !f.authenticated() {
		return nil, ErrNotAuthenticated
	}
	plan, err := f.subs.FindPlan(ctx, planID)
	if err != nil {
		f.setOp(opSubscription, OpFailed, "This plan is not available.")
		return nil, err
	}
	f.setOp(opPayment, OpPending, "")
	intent, err := f.subs.Select(ctx, plan)
	if err != nil {
		f.setOp(opPayment, OpFailed, selectMessage(err))
		return nil, err
	}
	if intent == nil {
		f.setOp(opPayment, OpSucceeded, "Free plan activated.")
	}
	return intent, nil
}

func selectMessage(err error) string {
	switch {
	case errors.Is(err, subscription.ErrActivationPending):
		return "Your payment is being processed. Your subscription will be activated shortly."
	case errors.Is(err, subscription.ErrPlanNotFound):
		return "This plan is not available."
	default:
		return "Unable to start payment. Please try again."
	}
}

// ActivateFree активирует бесплатный тариф без обращения к бэкенду.
func (f *Facade) ActivateFree() error {
	if !f.authenticated() {
		return ErrNotAuthenticated
	}
	f.subs.ActivateFree()
	f.setOp(opPayment, OpSucceeded, "Free plan activated.")
	return nil
}

// StartPayment показывает платёжную форму и запускает подтверждение активации.
// Вызывающий обязан отменить возвращённую задачу, когда уходит с экрана.
func (f *Facade) StartPayment(ctx context.Context, intent *models.PaymentIntent) (*subscription.Activation, error) {
	if !f.authenticated() {
		return nil, ErrNotAuthenticated
	}
	f.setOp(opPayment, OpPending, "")
	a, err := f.subs.StartActivation(ctx, intent, f.provider)
	if err != nil {
		f.setOp(opPayment, OpFailed, selectMessage(err))
		return nil, err
	}
	return a, nil
}

// Purchase выбор тарифа целиком: бесплатный активируется (nil, nil), для платного
// запускается оплата.
func (f *Facade) Purchase(ctx context.Context, planID string) (*subscription.Activation, error) {
	intent, err := f.SelectPlan(ctx, planID)
	if err != nil || intent == nil {
		return nil, err
	}
	return f.StartPayment(ctx, intent)
}

// CancelSubscription отменяет подписку в конце периода.
func (f *Facade) CancelSubscription(ctx context.Context) error {
	if !f.authenticated() {
		return ErrNotAuthenticated
	}
	f.setOp(opSubscription, OpPending, "")
	if err := f.subs.Cancel(ctx); err != nil {
		f.setOp(opSubscription, OpFailed, "Unable to cancel your subscription. Please try again.")
		return err
	}
	f.setOp(opSubscription, OpSucceeded, "Your subscription will end at the close of the billing period.")
	return nil
}

// Favorites избранное текущего пользователя.
func (f *Facade) Favorites(ctx context.Context) ([]models.Movie, error) {
	userID, err := f.favoritesUser()
	if err != nil {
		return nil, err
	}
	return f.favorites.List(ctx, userID)
}

// AddFavorite добавляет фильм; false, если он уже был.
func (f *Facade) AddFavorite(ctx context.Context, movie models.Movie) (bool, error) {
	return f.favoriteOp(func(userID string) (bool, error) {
		return f.favorites.Add(ctx, userID, movie)
	})
}

// RemoveFavorite удаляет фильм.
func (f *Facade) RemoveFavorite(ctx context.Context, movieID int) (bool, error) {
	return f.favoriteOp(func(userID string) (bool, error) {
		return f.favorites.Remove(ctx, userID, movieID)
	})
}

// ToggleFavorite переключает фильм; true, если теперь он в избранном.
func (f *Facade) ToggleFavorite(ctx context.Context, movie models.Movie) (bool, error) {
	return f.favoriteOp(func(userID string) (bool, error) {
		return f.favorites.Toggle(ctx, userID, movie)
	})
}

func (f *Facade) favoriteOp(fn func(userID string) (bool, error)) (bool, error) {
	userID, err := f.favoritesUser()
	if err != nil {
		return false, err
	}
	f.setOp(opFavorites, OpPending, "")
	ok, err := fn(userID)
	if err != nil {
		f.setOp(opFavorites, OpFailed, msgFavorites)
		return false, err
	}
	f.setOp(opFavorites, OpSucceeded, "")
	return ok, nil
}

func (f *Facade) favoritesUser() (string, error) {
	if f.favorites == nil {
		return "", ErrFavoritesDisabled
	}
	user, ok := f.sessions.User()
	if !ok || f.sessions.Status() != session.StatusAuthenticated {
		return "", ErrNotAuthenticated
	}
	return user.ID, nil
}

func (f *Facade) onSubscriptionChange() {
	const op = "facade.onSubscriptionChange"
	snap := f.subs.Snapshot()
	if snap.Known && f.authenticated() {
		if err := f.sessions.UpdateEntitlement(context.Background(), snap.HasActiveSubscription); err != nil {
			f.log.Warn("failed to cache entitlement", sl.Op(op), sl.Err(err))
		}
	}
	f.emit()
}

func (f *Facade) onActivationResult(res subscription.ActivationResult) {
	status := OpSucceeded
	if res.Outcome == subscription.OutcomePaymentFailed {
		status = OpFailed
	}
	f.setOp(opPayment, status, res.Message())
}

func (f *Facade) authenticated() bool {
	return f.sessions.Status() == session.StatusAuthenticated
}

func (f *Facade) setOp(kind opKind, status OpStatus, msg string) {
	f.mu.Lock()
	f.ops[kind] = OpState{Status: status, Message: msg}
	f.mu.Unlock()
	f.emit()
}

func (f *Facade) emit() {
	st := f.State()
	f.mu.RLock()
	fns := make([]func(State), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

// String краткое описание состояния для логов и CLI.
func (s State) String() string {
	email := "-"
	if s.User != nil {
		email = s.User.Email
	}
	plan := "none"
	if s.Subscription != nil {
		plan = fmt.Sprintf("%s (%s)", s.Subscription.PlanID, s.Subscription.Status)
	}
	return fmt.Sprintf("status=%s user=%s plan=%s active=%t known=%t pending=%t",
		s.Status, email, plan, s.HasActiveSubscription, s.EntitlementKnown, s.PendingActivation)
}
