package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/models"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memKV struct {
	mu        sync.Mutex
	data      map[string]string
	failSet   map[string]error
	failGet   error
	failDel   error
	gets      atomic.Int32
	getGate   chan struct{}
	setCalled []string
}

func newMemKV() *memKV {
	return &memKV{data: map[string]string{}, failSet: map[string]error{}}
}

func (s *memKV) Get(_ context.Context, key string) (string, bool, error) {
	s.gets.Add(1)
	if s.getGate != nil {
		<-s.getGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return "", false, s.failGet
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalled = append(s.setCalled, key)
	if err := s.failSet[key]; err != nil {
		return err
	}
	s.data[key] = value
	return nil
}

func (s *memKV) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDel != nil {
		return s.failDel
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *memKV) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

type pairKV struct {
	*memKV
	pairs   int
	pairErr error
}

func (s *pairKV) SetPair(_ context.Context, k1, v1, k2, v2 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs++
	if s.pairErr != nil {
		return s.pairErr
	}
	s.data[k1] = v1
	s.data[k2] = v2
	return nil
}

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) Register(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	args := m.Called(ctx, creds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuthResponse), args.Error(1)
}

func (m *GatewayMock) Login(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	args := m.Called(ctx, creds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuthResponse), args.Error(1)
}

type expiryFunc func(string) bool

func (f expiryFunc) Expired(token string) bool { return f(token) }

var testCreds = models.Credentials{Email: "u@test.com", Password: "secret1"}

func testUser() models.User {
	return models.User{ID: "1", Email: "u@test.com", HasActiveSubscription: false, Watchlist: []models.WatchlistItem{}}
}

func seed(t *testing.T, kv *memKV, token string, user models.User) {
	t.Helper()
	raw, err := json.Marshal(user)
	require.NoError(t, err)
	kv.data[KeyToken] = token
	kv.data[KeyUser] = string(raw)
}

func TestManager_InitializeRestoresPersistedSession(t *testing.T) {
	kv := newMemKV()
	user := models.User{
		ID:                    "42",
		Email:                 "movie@fan.com",
		ProfileImage:          "data:image/png;base64,AAA",
		HasActiveSubscription: true,
		Watchlist:             []models.WatchlistItem{{MovieID: 550, Title: "Fight Club", MediaType: "movie"}},
	}
	seed(t, kv, "persisted-token", user)
	gw := new(GatewayMock)

	m := NewManager(kv, gw, nil, newNoopLogger())
	assert.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))

	got, ok := m.User()
	require.True(t, ok)
	assert.Equal(t, user, got)
	assert.Equal(t, "persisted-token", m.Token())
	gw.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func TestManager_InitializeEmptyStore(t *testing.T) {
	m := NewManager(newMemKV(), new(GatewayMock), nil, newNoopLogger())
	assert.Equal(t, StatusUnauthenticated, m.Initialize(context.Background()))
	assert.Empty(t, m.Token())
}

func TestManager_InitializeDiscardsCorruptState(t *testing.T) {
	validUser, _ := json.Marshal(testUser())

	tests := []struct {
		name   string
		data   map[string]string
		getErr error
		expiry ExpiryChecker
	}{
		{name: "token without user", data: map[string]string{KeyToken: "abc"}},
		{name: "user without token", data: map[string]string{KeyUser: string(validUser)}},
		{name: "unparsable user", data: map[string]string{KeyToken: "abc", KeyUser: "{not json"}},
		{name: "user without id", data: map[string]string{KeyToken: "abc", KeyUser: `{"email":"u@test.com"}`}},
		{name: "empty token", data: map[string]string{KeyToken: "", KeyUser: string(validUser)}},
		{
			name:   "expired token",
			data:   map[string]string{KeyToken: "abc", KeyUser: string(validUser)},
			expiry: expiryFunc(func(string) bool { return true }),
		},
		{name: "read failure", data: map[string]string{KeyToken: "abc", KeyUser: string(validUser)}, getErr: errors.New("disk i/o")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			for k, v := range tt.data {
				kv.data[k] = v
			}
			kv.failGet = tt.getErr

			m := NewManager(kv, new(GatewayMock), tt.expiry, newNoopLogger())
			assert.Equal(t, StatusUnauthenticated, m.Initialize(context.Background()))
			assert.Empty(t, kv.snapshot())
			_, ok := m.User()
			assert.False(t, ok)
		})
	}
}

func TestManager_InitializeIsSingleFlight(t *testing.T) {
	kv := newMemKV()
	seed(t, kv, "abc", testUser())
	kv.getGate = make(chan struct{})

	m := NewManager(kv, new(GatewayMock), nil, newNoopLogger())

	const callers = 10
	results := make(chan Status, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.Initialize(context.Background())
		}()
	}
	assert.Eventually(t, func() bool { return kv.gets.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusInitializing, m.Status())
	close(kv.getGate)
	wg.Wait()
	close(results)

	for st := range results {
		assert.Equal(t, StatusAuthenticated, st)
	}
	assert.Equal(t, int32(2), kv.gets.Load())
	assert.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))
	assert.Equal(t, int32(2), kv.gets.Load())
}

func TestManager_SignInPersistsSessionAndRefreshes(t *testing.T) {
	kv := newMemKV()
	gw := new(GatewayMock)
	resp := &models.AuthResponse{
		Success: true,
		Token:   "abc",
		User:    &models.User{ID: "1", Email: "u@test.com", HasActiveSubscription: false, Watchlist: []models.WatchlistItem{}},
	}
	gw.On("Login", mock.Anything, testCreds).Return(resp, nil).Once()

	m := NewManager(kv, gw, nil, newNoopLogger())
	require.Equal(t, StatusUnauthenticated, m.Initialize(context.Background()))

	var refreshes atomic.Int32
	m.OnAuthenticated(func(context.Context) error {
		// к моменту обновления подписки пара уже сохранена
		data := kv.snapshot()
		assert.Equal(t, "abc", data[KeyToken])
		assert.NotEmpty(t, data[KeyUser])
		refreshes.Add(1)
		return nil
	})

	sess, err := m.SignIn(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "abc", sess.Token)
	assert.Equal(t, StatusAuthenticated, m.Status())
	assert.Equal(t, int32(1), refreshes.Load())

	data := kv.snapshot()
	assert.Equal(t, "abc", data[KeyToken])
	var stored models.User
	require.NoError(t, json.Unmarshal([]byte(data[KeyUser]), &stored))
	assert.Equal(t, testUser(), stored)
	gw.AssertExpectations(t)
}

func TestManager_SignInResetsEntitlementFlag(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Login", mock.Anything, testCreds).Return(&models.AuthResponse{
		Success: true,
		Token:   "abc",
		User:    &models.User{ID: "1", Email: "u@test.com", HasActiveSubscription: true},
	}, nil)

	m := NewManager(newMemKV(), gw, nil, newNoopLogger())
	sess, err := m.SignIn(context.Background(), testCreds)
	require.NoError(t, err)
	assert.False(t, sess.User.HasActiveSubscription)
	assert.NotNil(t, sess.User.Watchlist)
}

func TestManager_SignInRefreshFailureDoesNotFailSignIn(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Login", mock.Anything, testCreds).Return(&models.AuthResponse{Success: true, Token: "abc", User: &models.User{ID: "1"}}, nil)

	m := NewManager(newMemKV(), gw, nil, newNoopLogger())
	m.OnAuthenticated(func(context.Context) error { return api.ErrNetwork })

	_, err := m.SignIn(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, m.Status())
}

func TestManager_SignInFailures(t *testing.T) {
	tests := []struct {
		name     string
		resp     *models.AuthResponse
		err      error
		wantKind ErrorKind
		wantMsg  string
	}{
		{
			name:     "backend rejects credentials",
			resp:     &models.AuthResponse{Success: false, Message: "Invalid credentials"},
			wantKind: KindInvalidCredentials,
			wantMsg:  "Invalid credentials",
		},
		{
			name:     "rejection without message",
			resp:     &models.AuthResponse{Success: false},
			wantKind: KindInvalidCredentials,
			wantMsg:  msgLoginFailed,
		},
		{
			name:     "unauthorized status",
			err:      &api.StatusError{Code: http.StatusUnauthorized, Message: "Invalid email or password"},
			wantKind: KindInvalidCredentials,
			wantMsg:  "Invalid email or password",
		},
		{
			name:     "network",
			err:      api.ErrNetwork,
			wantKind: KindNetwork,
			wantMsg:  "Network error. Please check your connection.",
		},
		{
			name:     "server error",
			err:      &api.StatusError{Code: http.StatusInternalServerError},
			wantKind: KindServer,
			wantMsg:  msgLoginFailed,
		},
		{
			name:     "missing token",
			resp:     &models.AuthResponse{Success: true, User: &models.User{ID: "1"}},
			wantKind: KindServer,
			wantMsg:  msgBadResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			gw := new(GatewayMock)
			var resp any
			if tt.resp != nil {
				resp = tt.resp
			}
			gw.On("Login", mock.Anything, testCreds).Return(resp, tt.err).Once()

			m := NewManager(kv, gw, nil, newNoopLogger())
			require.Equal(t, StatusUnauthenticated, m.Initialize(context.Background()))
			hooked := false
			m.OnAuthenticated(func(context.Context) error { hooked = true; return nil })

			sess, err := m.SignIn(context.Background(), testCreds)
			assert.Nil(t, sess)
			var ae *AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.wantKind, ae.Kind)
			assert.Equal(t, tt.wantMsg, ae.Message)
			assert.Equal(t, StatusUnauthenticated, m.Status())
			assert.Empty(t, kv.snapshot())
			assert.False(t, hooked)
		})
	}
}

func TestManager_SignUpFallbackMessage(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Register", mock.Anything, testCreds).Return(&models.AuthResponse{Success: false}, nil)

	m := NewManager(newMemKV(), gw, nil, newNoopLogger())
	_, err := m.SignUp(context.Background(), testCreds)
	assert.True(t, IsKind(err, KindInvalidCredentials))
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, msgRegisterFailed, ae.Message)
}

func TestManager_PartialWriteRollsBack(t *testing.T) {
	kv := newMemKV()
	kv.failSet[KeyUser] = errors.New("quota exceeded")
	gw := new(GatewayMock)
	gw.On("Login", mock.Anything, testCreds).Return(&models.AuthResponse{Success: true, Token: "abc", User: &models.User{ID: "1"}}, nil)

	m := NewManager(kv, gw, nil, newNoopLogger())
	_, err := m.SignIn(context.Background(), testCreds)

	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindServer, ae.Kind)
	assert.Equal(t, msgSaveFailed, ae.Message)
	assert.Equal(t, []string{KeyToken, KeyUser}, kv.setCalled)
	assert.Empty(t, kv.snapshot())
	assert.Equal(t, StatusUnauthenticated, m.Status())
	assert.Empty(t, m.Token())
}

func TestManager_UsesPairWriter(t *testing.T) {
	kv := &pairKV{memKV: newMemKV()}
	gw := new(GatewayMock)
	gw.On("Login", mock.Anything, testCreds).Return(&models.AuthResponse{Success: true, Token: "abc", User: &models.User{ID: "1"}}, nil)

	m := NewManager(kv, gw, nil, newNoopLogger())
	_, err := m.SignIn(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, 1, kv.pairs)
	assert.Empty(t, kv.setCalled)
	assert.Equal(t, "abc", kv.snapshot()[KeyToken])
}

func TestManager_SignOutAlwaysClears(t *testing.T) {
	tests := []struct {
		name   string
		delErr error
	}{
		{name: "store ok"},
		{name: "store delete fails", delErr: errors.New("locked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			seed(t, kv, "abc", testUser())
			gw := new(GatewayMock)

			m := NewManager(kv, gw, nil, newNoopLogger())
			require.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))
			signedOut := 0
			m.OnSignedOut(func() { signedOut++ })

			kv.failDel = tt.delErr
			m.SignOut(context.Background())

			assert.Equal(t, StatusUnauthenticated, m.Status())
			assert.Empty(t, m.Token())
			assert.Equal(t, 1, signedOut)
			if tt.delErr == nil {
				assert.Empty(t, kv.snapshot())
			}
			gw.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
		})
	}
}

func TestManager_Invalidate(t *testing.T) {
	kv := newMemKV()
	seed(t, kv, "abc", testUser())
	m := NewManager(kv, new(GatewayMock), nil, newNoopLogger())
	require.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))

	changes := 0
	m.OnChange(func() { changes++ })

	m.Invalidate(context.Background(), "previous-session-token")
	assert.Equal(t, StatusAuthenticated, m.Status())
	assert.Len(t, kv.snapshot(), 2)
	assert.Equal(t, 0, changes)

	m.Invalidate(context.Background(), "abc")
	assert.Equal(t, StatusUnauthenticated, m.Status())
	assert.Empty(t, kv.snapshot())
	assert.Equal(t, 1, changes)

	m.Invalidate(context.Background(), "abc")
	assert.Equal(t, 1, changes)
}

func TestManager_InvalidateIgnoresRequestFromPreviousSession(t *testing.T) {
	kv := newMemKV()
	gw := new(GatewayMock)
	gw.On("Login", mock.Anything, mock.Anything).Return(&models.AuthResponse{
		Success: true,
		Token:   "token-b",
		User:    &models.User{ID: "2", Email: "b@test.com", Watchlist: []models.WatchlistItem{}},
	}, nil).Once()
	seed(t, kv, "token-a", testUser())

	m := NewManager(kv, gw, nil, newNoopLogger())
	require.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))
	_, err := m.SignIn(context.Background(), models.Credentials{Email: "b@test.com", Password: "secret1"})
	require.NoError(t, err)

	// 401 на запрос, отправленный ещё с токеном первой сессии
	m.Invalidate(context.Background(), "token-a")

	assert.Equal(t, StatusAuthenticated, m.Status())
	assert.Equal(t, "token-b", m.Token())
	assert.Equal(t, "token-b", kv.snapshot()[KeyToken])
}

func TestManager_UpdateEntitlementWriteFailureKeepsCache(t *testing.T) {
	kv := newMemKV()
	seed(t, kv, "abc", testUser())
	m := NewManager(kv, new(GatewayMock), nil, newNoopLogger())
	require.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))

	changes := 0
	m.OnChange(func() { changes++ })
	kv.mu.Lock()
	kv.failSet[KeyUser] = errors.New("disk full")
	kv.mu.Unlock()

	require.Error(t, m.UpdateEntitlement(context.Background(), true))

	user, _ := m.User()
	assert.False(t, user.HasActiveSubscription)
	var stored models.User
	require.NoError(t, json.Unmarshal([]byte(kv.snapshot()[KeyUser]), &stored))
	assert.False(t, stored.HasActiveSubscription)
	assert.Equal(t, 0, changes)
}

func TestManager_UpdateEntitlement(t *testing.T) {
	kv := newMemKV()
	seed(t, kv, "abc", testUser())
	m := NewManager(kv, new(GatewayMock), nil, newNoopLogger())
	require.Equal(t, StatusAuthenticated, m.Initialize(context.Background()))

	require.NoError(t, m.UpdateEntitlement(context.Background(), true))
	user, _ := m.User()
	assert.True(t, user.HasActiveSubscription)

	data := kv.snapshot()
	assert.Equal(t, "abc", data[KeyToken])
	var stored models.User
	require.NoError(t, json.Unmarshal([]byte(data[KeyUser]), &stored))
	assert.True(t, stored.HasActiveSubscription)
	assert.Equal(t, []string{KeyUser}, kv.setCalled)

	m.SignOut(context.Background())
	require.NoError(t, m.UpdateEntitlement(context.Background(), false))
	assert.Empty(t, kv.snapshot())
}
