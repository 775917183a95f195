package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/moviepass/internal/api"
	"github.com/magabrotheeeer/moviepass/internal/config"
	"github.com/magabrotheeeer/moviepass/internal/models"
	"github.com/magabrotheeeer/moviepass/internal/payment"
)

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) Plans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SubscriptionPlan), args.Error(1)
}

func (m *GatewayMock) Create(ctx context.Context, priceRef string) (*models.PaymentIntent, error) {
	args := m.Called(ctx, priceRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentIntent), args.Error(1)
}

func (m *GatewayMock) Current(ctx context.Context) (*models.Subscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *GatewayMock) Confirm(ctx context.Context, subscriptionID, paymentMethodID string) (*models.Subscription, error) {
	args := m.Called(ctx, subscriptionID, paymentMethodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *GatewayMock) Cancel(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

var fastActivation = config.Activation{
	SettleDelay:  time.Millisecond,
	PollInterval: time.Millisecond,
	MaxAttempts:  5,
}

var premium = models.SubscriptionPlan{ID: "premium", Name: "Premium", Price: 15.99, ProviderPriceRef: "price_premium_monthly"}

var testIntent = &models.PaymentIntent{ClientSecret: "pi_1_secret", SubscriptionID: "sub_1"}

func activeSub() *models.Subscription {
	return &models.Subscription{ID: "sub_1", PlanID: "premium", Status: models.StatusActive}
}

func succeeds(pm string) payment.Provider {
	return payment.ProviderFunc(func(context.Context, string) (payment.Result, error) {
		return payment.Result{Outcome: payment.Succeeded, PaymentMethodID: pm}, nil
	})
}

func waitResult(t *testing.T, a *Activation) ActivationResult {
	t.Helper()
	select {
	case res, ok := <-a.Done():
		require.True(t, ok, "activation finished without result")
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("activation did not finish")
		return ActivationResult{}
	}
}

func TestManager_RefreshCoalescesConcurrentCalls(t *testing.T) {
	gw := new(GatewayMock)
	started := make(chan struct{})
	release := make(chan struct{})
	gw.On("Current", mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(activeSub(), nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())

	const callers = 8
	results := make([]*models.Subscription, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = m.Refresh(context.Background())
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, activeSub(), results[i])
	}
	gw.AssertNumberOfCalls(t, "Current", 1)
	assert.True(t, m.Snapshot().HasActiveSubscription)
}

func TestManager_RefreshFailureIsNotNoSubscription(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Current", mock.Anything).Return(activeSub(), nil).Once()
	gw.On("Current", mock.Anything).Return(nil, api.ErrNetwork).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	sub, err := m.Refresh(context.Background())
	assert.Nil(t, sub)
	assert.ErrorIs(t, err, ErrSubscriptionFetch)
	assert.ErrorIs(t, err, api.ErrNetwork)

	snap := m.Snapshot()
	assert.False(t, snap.Known)
	assert.Equal(t, activeSub(), snap.Subscription)
}

func TestManager_RefreshNoSubscription(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Current", mock.Anything).Return(nil, nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	sub, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub)

	snap := m.Snapshot()
	assert.True(t, snap.Known)
	assert.False(t, snap.HasActiveSubscription)
}

func TestManager_RefreshCallerCanAbandon(t *testing.T) {
	gw := new(GatewayMock)
	release := make(chan struct{})
	gw.On("Current", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(activeSub(), nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool { return m.Snapshot().HasActiveSubscription }, time.Second, time.Millisecond)
}

func TestManager_ActivateFree(t *testing.T) {
	gw := new(GatewayMock)
	m := NewManager(gw, fastActivation, newNoopLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	intent, err := m.Select(context.Background(), models.SubscriptionPlan{ID: models.FreePlanID, IsFree: true})
	require.NoError(t, err)
	assert.Nil(t, intent)

	snap := m.Snapshot()
	assert.True(t, snap.HasActiveSubscription)
	assert.True(t, snap.Known)
	assert.Equal(t, &models.Subscription{
		ID:               "free-subscription",
		PlanID:           "free",
		Status:           models.StatusActive,
		CurrentPeriodEnd: now.AddDate(0, 0, 365),
	}, snap.Subscription)
	assert.Empty(t, gw.Calls)
}

func TestManager_RefreshKeepsLocalFreePlan(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Current", mock.Anything).Return(nil, nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	m.ActivateFree()
	sub, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, sub.IsLocalFree())
	assert.True(t, m.Snapshot().HasActiveSubscription)
}

func TestManager_ActivationObservesActiveOnThirdAttempt(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Current", mock.Anything).Return(nil, nil).Twice()
	gw.On("Current", mock.Anything).Return(activeSub(), nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	var reported []ActivationResult
	var mu sync.Mutex
	m.OnActivationResult(func(r ActivationResult) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, r)
	})

	a, err := m.StartActivation(context.Background(), testIntent, succeeds(""))
	require.NoError(t, err)
	res := waitResult(t, a)

	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, activeSub(), res.Subscription)
	gw.AssertNumberOfCalls(t, "Current", 3)
	assert.True(t, m.Snapshot().HasActiveSubscription)

	mu.Lock()
	assert.Len(t, reported, 1)
	mu.Unlock()
	a.Cancel()
}

func TestManager_ActivationPendingAfterExhaustedAttempts(t *testing.T) {
	pastDue := &models.Subscription{ID: "sub_1", PlanID: "premium", Status: models.StatusPastDue}
	gw := new(GatewayMock)
	gw.On("Current", mock.Anything).Return(nil, nil).Twice()
	gw.On("Current", mock.Anything).Return(pastDue, nil).Times(3)

	m := NewManager(gw, fastActivation, newNoopLogger())
	a, err := m.StartActivation(context.Background(), testIntent, succeeds(""))
	require.NoError(t, err)
	res := waitResult(t, a)

	assert.Equal(t, OutcomePendingActivation, res.Outcome)
	assert.Equal(t, 5, res.Attempts)
	assert.Nil(t, res.Payment)
	assert.Contains(t, res.Message(), "shortly")
	gw.AssertNumberOfCalls(t, "Current", 5)

	snap := m.Snapshot()
	assert.True(t, snap.PendingActivation)
	assert.False(t, snap.HasActiveSubscription)

	_, err = m.InitiatePayment(context.Background(), premium)
	assert.ErrorIs(t, err, ErrActivationPending)
	gw.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestManager_ActivationPollErrorsCountAsAttempts(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Current", mock.Anything).Return(nil, api.ErrNetwork).Times(5)

	m := NewManager(gw, fastActivation, newNoopLogger())
	a, err := m.StartActivation(context.Background(), testIntent, succeeds(""))
	require.NoError(t, err)
	res := waitResult(t, a)

	assert.Equal(t, OutcomePendingActivation, res.Outcome)
	gw.AssertNumberOfCalls(t, "Current", 5)
}

func TestManager_PaymentFailureSkipsPolling(t *testing.T) {
	tests := []struct {
		name     string
		result   payment.Result
		err      error
		wantKind PaymentErrorKind
	}{
		{name: "declined", result: payment.Result{Outcome: payment.Failed, Message: "Your card was declined."}, wantKind: PaymentDeclined},
		{name: "canceled", result: payment.Result{Outcome: payment.Canceled}, wantKind: PaymentCanceled},
		{name: "setup failed", err: errors.New("sheet init"), wantKind: PaymentSetupFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(GatewayMock)
			m := NewManager(gw, fastActivation, newNoopLogger())
			provider := payment.ProviderFunc(func(context.Context, string) (payment.Result, error) {
				return tt.result, tt.err
			})

			a, err := m.StartActivation(context.Background(), testIntent, provider)
			require.NoError(t, err)
			res := waitResult(t, a)

			assert.Equal(t, OutcomePaymentFailed, res.Outcome)
			require.NotNil(t, res.Payment)
			assert.Equal(t, tt.wantKind, res.Payment.Kind)
			assert.NotEmpty(t, res.Message())
			assert.Empty(t, gw.Calls)
			assert.False(t, m.Snapshot().PendingActivation)
		})
	}
}

func TestManager_ActivationConfirmedImmediately(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Confirm", mock.Anything, "sub_1", "pm_1").Return(activeSub(), nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	a, err := m.StartActivation(context.Background(), testIntent, succeeds("pm_1"))
	require.NoError(t, err)
	res := waitResult(t, a)

	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
	gw.AssertNotCalled(t, "Current", mock.Anything)
	assert.True(t, m.Snapshot().HasActiveSubscription)
}

func TestManager_ActivationCancelStopsPolling(t *testing.T) {
	gw := new(GatewayMock)
	var polls atomic.Int32
	gw.On("Current", mock.Anything).Run(func(mock.Arguments) { polls.Add(1) }).Return(nil, nil)

	opts := config.Activation{SettleDelay: time.Millisecond, PollInterval: 10 * time.Millisecond, MaxAttempts: 1000}
	m := NewManager(gw, opts, newNoopLogger())
	reported := false
	m.OnActivationResult(func(ActivationResult) { reported = true })

	a, err := m.StartActivation(context.Background(), testIntent, succeeds(""))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return polls.Load() >= 2 }, time.Second, time.Millisecond)

	a.Cancel()
	calls := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, polls.Load())

	_, ok := <-a.Done()
	assert.False(t, ok)
	assert.False(t, reported)
	assert.False(t, m.Snapshot().PendingActivation)

	// после отмены можно начать новую активацию
	_, err = m.InitiatePayment(context.Background(), models.SubscriptionPlan{ID: "free"})
	assert.ErrorIs(t, err, ErrPlanNotFound)
	a.Cancel()
}

func TestManager_OnlyOneActivationAtATime(t *testing.T) {
	block := make(chan struct{})
	provider := payment.ProviderFunc(func(ctx context.Context, _ string) (payment.Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return payment.Result{Outcome: payment.Canceled}, nil
	})
	m := NewManager(new(GatewayMock), fastActivation, newNoopLogger())

	a, err := m.StartActivation(context.Background(), testIntent, provider)
	require.NoError(t, err)

	_, err = m.StartActivation(context.Background(), testIntent, provider)
	assert.ErrorIs(t, err, ErrActivationPending)

	close(block)
	res := waitResult(t, a)
	assert.Equal(t, OutcomePaymentFailed, res.Outcome)
}

func TestManager_StartActivationRejectsEmptyIntent(t *testing.T) {
	m := NewManager(new(GatewayMock), fastActivation, newNoopLogger())
	_, err := m.StartActivation(context.Background(), &models.PaymentIntent{}, succeeds(""))
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestManager_InitiatePayment(t *testing.T) {
	tests := []struct {
		name      string
		plan      models.SubscriptionPlan
		intent    *models.PaymentIntent
		createErr error
		wantErr   error
	}{
		{name: "paid plan", plan: premium, intent: testIntent},
		{name: "free plan", plan: models.SubscriptionPlan{ID: "free", IsFree: true}, wantErr: ErrPlanNotFound},
		{name: "missing price ref", plan: models.SubscriptionPlan{ID: "basic"}, wantErr: ErrPlanNotFound},
		{name: "gateway failure", plan: premium, createErr: api.ErrNetwork, wantErr: ErrPaymentIntentCreationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := new(GatewayMock)
			var intent any
			if tt.intent != nil {
				intent = tt.intent
			}
			gw.On("Create", mock.Anything, tt.plan.ProviderPriceRef).Return(intent, tt.createErr).Maybe()

			m := NewManager(gw, fastActivation, newNoopLogger())
			got, err := m.InitiatePayment(context.Background(), tt.plan)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.intent, got)
			}
			assert.False(t, m.Snapshot().HasActiveSubscription)
		})
	}
}

func TestManager_FindPlan(t *testing.T) {
	gw := new(GatewayMock)
	gw.On("Plans", mock.Anything).Return([]models.SubscriptionPlan{{ID: "free", IsFree: true}, premium}, nil)

	m := NewManager(gw, fastActivation, newNoopLogger())
	plan, err := m.FindPlan(context.Background(), "premium")
	require.NoError(t, err)
	assert.Equal(t, premium, plan)

	_, err = m.FindPlan(context.Background(), "platinum")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestManager_Cancel(t *testing.T) {
	t.Run("local free plan", func(t *testing.T) {
		gw := new(GatewayMock)
		m := NewManager(gw, fastActivation, newNoopLogger())
		m.ActivateFree()

		require.NoError(t, m.Cancel(context.Background()))
		assert.Nil(t, m.Snapshot().Subscription)
		assert.Empty(t, gw.Calls)
	})

	t.Run("paid plan", func(t *testing.T) {
		canceled := activeSub()
		canceled.CancelAtPeriodEnd = true
		gw := new(GatewayMock)
		gw.On("Cancel", mock.Anything).Return(nil).Once()
		gw.On("Current", mock.Anything).Return(canceled, nil).Once()

		m := NewManager(gw, fastActivation, newNoopLogger())
		require.NoError(t, m.Cancel(context.Background()))
		assert.True(t, m.Snapshot().Subscription.CancelAtPeriodEnd)
		gw.AssertExpectations(t)
	})

	t.Run("gateway failure", func(t *testing.T) {
		gw := new(GatewayMock)
		gw.On("Cancel", mock.Anything).Return(api.ErrServer).Once()

		m := NewManager(gw, fastActivation, newNoopLogger())
		assert.ErrorIs(t, m.Cancel(context.Background()), api.ErrServer)
		gw.AssertNotCalled(t, "Current", mock.Anything)
	})
}

func TestManager_ResetDiscardsInFlightRefresh(t *testing.T) {
	gw := new(GatewayMock)
	started := make(chan struct{})
	release := make(chan struct{})
	gw.On("Current", mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(activeSub(), nil).Once()

	gw.On("Current", mock.Anything).Return(nil, nil).Once()

	m := NewManager(gw, fastActivation, newNoopLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Refresh(context.Background())
	}()
	<-started
	m.Reset()

	snap := m.Snapshot()
	assert.Nil(t, snap.Subscription)
	assert.False(t, snap.Known)

	// новая сессия не присоединяется к запросу прежней
	sub, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub)

	close(release)
	<-done

	snap = m.Snapshot()
	assert.Nil(t, snap.Subscription)
	assert.True(t, snap.Known)
	gw.AssertNumberOfCalls(t, "Current", 2)
}

func TestManager_CancelFromResultHandler(t *testing.T) {
	m := NewManager(new(GatewayMock), fastActivation, newNoopLogger())

	handles := make(chan *Activation, 1)
	handled := make(chan struct{})
	m.OnActivationResult(func(ActivationResult) {
		a := <-handles
		a.Cancel()
		close(handled)
	})

	gate := make(chan struct{})
	provider := payment.ProviderFunc(func(context.Context, string) (payment.Result, error) {
		<-gate
		return payment.Result{Outcome: payment.Canceled}, nil
	})

	a, err := m.StartActivation(context.Background(), testIntent, provider)
	require.NoError(t, err)
	handles <- a
	close(gate)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel inside the result handler never returned")
	}

	res := waitResult(t, a)
	assert.Equal(t, OutcomePaymentFailed, res.Outcome)
	assert.Equal(t, PaymentCanceled, res.Payment.Kind)
}
