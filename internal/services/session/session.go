// Package session управляет сессией клиента: вход, регистрация, выход,
// восстановление из постоянного хранилища и принудительный выход по 401.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/lib/metrics"
	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
	"github.com/magabrotheeeer/moviepass/internal/models"
	"github.com/magabrotheeeer/moviepass/internal/storage"
)

// Ключи сессии в постоянном хранилище.
const (
	KeyToken = "session.token"
	KeyUser  = "session.user"
)

// Status состояние менеджера сессии.
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Gateway удалённый Auth API.
type Gateway interface {
	Register(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error)
	Login(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error)
}

// ExpiryChecker сообщает, что сохранённый токен заведомо истёк.
type ExpiryChecker interface {
	Expired(token string) bool
}

// Manager владеет состоянием Authenticated/Unauthenticated и парой {token, user}
// в хранилище. Других писателей этих ключей нет.
type Manager struct {
	store  storage.KV
	gw     Gateway
	expiry ExpiryChecker
	log    *slog.Logger

	init singleflight.Group

	// storeMu сериализует записи в хранилище вместе со сменой состояния.
	storeMu sync.Mutex

	mu              sync.RWMutex
	status          Status
	session         *models.Session
	onChange        func()
	onAuthenticated func(ctx context.Context) error
	onSignedOut     func()
}

// NewManager создаёт Manager. expiry может быть nil.
func NewManager(store storage.KV, gw Gateway, expiry ExpiryChecker, log *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		gw:     gw,
		expiry: expiry,
		log:    log,
	}
}

// OnChange регистрирует наблюдателя смены состояния сессии или пользователя.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnAuthenticated регистрирует действие после успешного входа или регистрации
// (обновление подписки). Его ошибка только логируется.
func (m *Manager) OnAuthenticated(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuthenticated = fn
}

// OnSignedOut регистрирует действие после выхода.
func (m *Manager) OnSignedOut(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSignedOut = fn
}

// Status текущее состояние.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Token текущий токен или пустая строка. Используется транспортом как TokenSource.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.Token
}

// User копия кэшированного пользователя.
func (m *Manager) User() (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return models.User{}, false
	}
	return cloneUser(m.session.User), true
}

// Initialize восстанавливает сессию из хранилища. Параллельные вызовы ждут
// одного результата; после завершения повторные вызовы возвращают текущее состояние.
// Повреждённые данные очищаются, наружу ошибка не выходит.
func (m *Manager) Initialize(ctx context.Context) Status {
	m.mu.Lock()
	switch m.status {
	case StatusAuthenticated, StatusUnauthenticated:
		st := m.status
		m.mu.Unlock()
		return st
	case StatusUninitialized:
		m.status = StatusInitializing
	}
	m.mu.Unlock()

	v, _, _ := m.init.Do("initialize", func() (any, error) {
		return m.restore(context.WithoutCancel(ctx)), nil
	})
	return v.(Status)
}

func (m *Manager) restore(ctx context.Context) Status {
	const op = "session.Manager.Initialize"
	log := m.log.With(sl.Op(op))

	m.storeMu.Lock()
	if st := m.Status(); st != StatusInitializing {
		m.storeMu.Unlock()
		return st
	}
	sess, reason := m.readPersisted(ctx)
	if reason != "" {
		log.Warn("discarding persisted session", slog.String("reason", reason))
		if err := m.store.Delete(ctx, KeyToken, KeyUser); err != nil {
			log.Error("failed to clear persisted session", sl.Err(err))
		}
	}

	m.mu.Lock()
	if m.status != StatusInitializing {
		// сессию успели установить входом; восстановление её не перезаписывает
		st := m.status
		m.mu.Unlock()
		m.storeMu.Unlock()
		return st
	}
	if sess != nil {
		m.session = sess
		m.status = StatusAuthenticated
	} else {
		m.status = StatusUnauthenticated
	}
	st := m.status
	m.mu.Unlock()
	m.storeMu.Unlock()

	log.Info("session restored", slog.String("status", st.String()))
	m.notify()
	return st
}

// readPersisted читает пару ключей. Непустой reason означает, что хранилище нужно очистить.
func (m *Manager) readPersisted(ctx context.Context) (*models.Session, string) {
	token, hasToken, err := m.store.Get(ctx, KeyToken)
	if err != nil {
		return nil, "token read failed: " + err.Error()
	}
	rawUser, hasUser, err := m.store.Get(ctx, KeyUser)
	if err != nil {
		return nil, "user read failed: " + err.Error()
	}
	switch {
	case !hasToken && !hasUser:
		return nil, ""
	case hasToken != hasUser:
		return nil, "partial session"
	case token == "":
		return nil, "empty token"
	}
	var user models.User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return nil, "unparsable user: " + err.Error()
	}
	if user.ID == "" {
		return nil, "user without id"
	}
	if m.expiry != nil && m.expiry.Expired(token) {
		return nil, "token expired"
	}
	return &models.Session{Token: token, User: user}, ""
}

// SignIn входит по логину и паролю.
func (m *Manager) SignIn(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	return m.authenticate(ctx, "sign_in", m.gw.Login, creds, msgLoginFailed)
}

// SignUp регистрирует пользователя и сразу открывает сессию.
func (m *Manager) SignUp(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	return m.authenticate(ctx, "sign_up", m.gw.Register, creds, msgRegisterFailed)
}

type authCall func(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error)

func (m *Manager) authenticate(ctx context.Context, name string, call authCall, creds models.Credentials, fallback string) (*models.Session, error) {
	op := "session.Manager." + name
	log := m.log.With(sl.Op(op))

	resp, err := call(ctx, creds)
	if err != nil {
		ae := classify(err, fallback)
		metrics.AuthAttempts.WithLabelValues(name, string(ae.Kind)).Inc()
		log.Info("authentication failed", slog.String("kind", string(ae.Kind)), sl.Err(err))
		return nil, ae
	}
	if !resp.Success {
		metrics.AuthAttempts.WithLabelValues(name, string(KindInvalidCredentials)).Inc()
		msg := resp.Message
		if msg == "" {
			msg = fallback
		}
		return nil, &AuthError{Kind: KindInvalidCredentials, Message: msg}
	}
	if resp.Token == "" || resp.User == nil || resp.User.ID == "" {
		metrics.AuthAttempts.WithLabelValues(name, string(KindServer)).Inc()
		return nil, &AuthError{
			Kind:    KindServer,
			Message: msgBadResponse,
			Err:     fmt.Errorf("%s: missing token or user: %w", op, api.ErrBadResponse),
		}
	}

	user := cloneUser(*resp.User)
	user.HasActiveSubscription = false
	sess := &models.Session{Token: resp.Token, User: user}

	m.storeMu.Lock()
	cleared, err := m.persist(ctx, sess)
	if err != nil {
		if cleared {
			m.mu.Lock()
			m.session = nil
			m.status = StatusUnauthenticated
			m.mu.Unlock()
		}
		m.storeMu.Unlock()
		metrics.AuthAttempts.WithLabelValues(name, string(KindServer)).Inc()
		log.Error("failed to persist session", sl.Err(err))
		if cleared {
			m.notify()
		}
		return nil, &AuthError{Kind: KindServer, Message: msgSaveFailed, Err: err}
	}
	m.mu.Lock()
	m.session = sess
	m.status = StatusAuthenticated
	hook := m.onAuthenticated
	m.mu.Unlock()
	m.storeMu.Unlock()

	metrics.AuthAttempts.WithLabelValues(name, "success").Inc()
	log.Info("authenticated", slog.String("user_id", user.ID))
	m.notify()

	if hook != nil {
		if err := hook(ctx); err != nil {
			log.Warn("subscription fetch after authentication failed", sl.Err(err))
		}
	}

	out := &models.Session{Token: sess.Token, User: cloneUser(sess.User)}
	return out, nil
}

// persist записывает пару. Без PairWriter пишет token, затем user; при любой
// ошибке удаляет оба ключа. cleared сообщает, что прежняя пара тоже удалена.
// Вызывается под storeMu.
func (m *Manager) persist(ctx context.Context, sess *models.Session) (cleared bool, err error) {
	raw, err := json.Marshal(sess.User)
	if err != nil {
		return false, fmt.Errorf("marshal user: %w", err)
	}
	if pw, ok := m.store.(storage.PairWriter); ok {
		return false, pw.SetPair(ctx, KeyToken, sess.Token, KeyUser, string(raw))
	}
	if err := m.store.Set(ctx, KeyToken, sess.Token); err != nil {
		return true, m.rollback(ctx, fmt.Errorf("write token: %w", err))
	}
	if err := m.store.Set(ctx, KeyUser, string(raw)); err != nil {
		return true, m.rollback(ctx, fmt.Errorf("write user: %w", err))
	}
	return false, nil
}

func (m *Manager) rollback(ctx context.Context, cause error) error {
	if err := m.store.Delete(ctx, KeyToken, KeyUser); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

// SignOut локальный выход: всегда очищает хранилище и состояние, сеть не нужна.
func (m *Manager) SignOut(ctx context.Context) {
	const op = "session.Manager.SignOut"
	m.clear(ctx, op, "")
}

// Invalidate принудительный выход по сигналу транспорта о недействительном токене.
// token токен отклонённого запроса; ответ на запрос прежней сессии текущую не трогает.
func (m *Manager) Invalidate(ctx context.Context, token string) {
	const op = "session.Manager.Invalidate"
	if token == "" {
		return
	}
	if !m.clear(ctx, op, token) {
		m.log.Debug("stale unauthorized signal ignored", sl.Op(op))
		return
	}
	metrics.ForcedLogouts.Inc()
	m.log.Warn("session invalidated by backend", sl.Op(op))
}

// clear сбрасывает сессию. Непустой onlyToken ограничивает сброс сессией с этим токеном.
func (m *Manager) clear(ctx context.Context, op, onlyToken string) bool {
	m.storeMu.Lock()
	if onlyToken != "" {
		m.mu.RLock()
		current := m.status == StatusAuthenticated && m.session != nil && m.session.Token == onlyToken
		m.mu.RUnlock()
		if !current {
			m.storeMu.Unlock()
			return false
		}
	}
	if err := m.store.Delete(context.WithoutCancel(ctx), KeyToken, KeyUser); err != nil {
		m.log.Error("failed to clear persisted session", sl.Op(op), sl.Err(err))
	}
	m.mu.Lock()
	m.session = nil
	m.status = StatusUnauthenticated
	hook := m.onSignedOut
	m.mu.Unlock()
	m.storeMu.Unlock()

	m.log.Info("signed out", sl.Op(op))
	if hook != nil {
		hook()
	}
	m.notify()
	return true
}

// UpdateEntitlement записывает производный флаг подписки в кэшированного пользователя.
// Токен не трогается, поэтому пара в хранилище остаётся согласованной.
func (m *Manager) UpdateEntitlement(ctx context.Context, active bool) error {
	const op = "session.Manager.UpdateEntitlement"

	m.storeMu.Lock()
	m.mu.Lock()
	if m.session == nil || m.session.User.HasActiveSubscription == active {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return nil
	}
	user := cloneUser(m.session.User)
	m.mu.Unlock()
	user.HasActiveSubscription = active

	// память меняется только после записи: кэш и хранилище не расходятся
	if err := m.writeUser(ctx, user); err != nil {
		m.storeMu.Unlock()
		m.log.Error("failed to persist entitlement", sl.Op(op), sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	m.mu.Lock()
	m.session.User.HasActiveSubscription = active
	m.mu.Unlock()
	m.storeMu.Unlock()

	m.notify()
	return nil
}

func (m *Manager) writeUser(ctx context.Context, user models.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, KeyUser, string(raw))
}

func (m *Manager) notify() {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func cloneUser(u models.User) models.User {
	if u.Watchlist == nil {
		u.Watchlist = []models.WatchlistItem{}
	} else {
		u.Watchlist = append([]models.WatchlistItem(nil), u.Watchlist...)
	}
	return u
}
