package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/coachbilling/pkg/requestid"
	"github.com/dmitrymomot/coachbilling/pkg/subscription"
	"github.com/dmitrymomot/coachbilling/pkg/validator"
	"github.com/dmitrymomot/coachbilling/svc/billing"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Plans() []subscription.Plan {
	return m.Called().Get(0).([]subscription.Plan)
}

func (m *mockService) SubscriptionCheckout(ctx context.Context, req subscription.SubscriptionCheckoutRequest) (*subscription.CheckoutSession, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(*subscription.CheckoutSession)
	return s, args.Error(1)
}

func (m *mockService) CartCheckout(ctx context.Context, req subscription.CartCheckoutRequest) (*subscription.CheckoutSession, error) {
	args := m.Called(ctx, req)
	s, _ := args.Get(0).(*subscription.CheckoutSession)
	return s, args.Error(1)
}

func (m *mockService) Upgrade(ctx context.Context, req subscription.UpgradeRequest) (*subscription.UpgradeResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*subscription.UpgradeResult)
	return r, args.Error(1)
}

func (m *mockService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return m.Called(ctx, payload, signature).Error(0)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestSubscriptionCheckoutRoute(t *testing.T) {
	t.Parallel()
	userID := uuid.New()

	t.Run("returns session", func(t *testing.T) {
		svc := &mockService{}
		svc.On("SubscriptionCheckout", mock.Anything, subscription.SubscriptionCheckoutRequest{
			UserID: userID, PlanID: subscription.PlanGrowth, BillingPeriod: subscription.PeriodAnnual,
		}).Return(&subscription.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil)

		rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/checkout/subscription",
			`{"planId":"growth","billingPeriod":"annual","userId":"`+userID.String()+`"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "cs_1", body["sessionId"])
		assert.Equal(t, "https://checkout.test/cs_1", body["sessionUrl"])
		assert.NotEmpty(t, rec.Header().Get(requestid.Header))
		svc.AssertExpectations(t)
	})

	t.Run("invalid user id", func(t *testing.T) {
		svc := &mockService{}
		rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/checkout/subscription", `{"planId":"growth","userId":"nope"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, body["details"], "userId")
		svc.AssertNotCalled(t, "SubscriptionCheckout", mock.Anything, mock.Anything)
	})

	t.Run("invalid json", func(t *testing.T) {
		rec, _ := do(t, billing.NewRouter(&mockService{}), http.MethodPost, "/api/checkout/subscription", `{`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	errCases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"unknown plan", subscription.ErrPlanNotFound, http.StatusBadRequest, subscription.ErrPlanNotFound.Error()},
		{"unknown user", subscription.ErrUserNotFound, http.StatusBadRequest, subscription.ErrUserNotFound.Error()},
		{"redirect url", subscription.ErrInvalidRedirectURL, http.StatusBadRequest, subscription.ErrInvalidRedirectURL.Error()},
		{"gateway", &subscription.GatewayError{Op: "create session", Code: "api_key_expired", Message: "secret detail"}, http.StatusInternalServerError, "internal server error"},
		{"store", errors.Join(subscription.ErrStoreUnavailable, errors.New("conn reset")), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("SubscriptionCheckout", mock.Anything, mock.Anything).Return(nil, tc.err)

			rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/checkout/subscription",
				`{"planId":"growth","userId":"`+userID.String()+`"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.msg, body["error"])
		})
	}

	t.Run("validation details", func(t *testing.T) {
		svc := &mockService{}
		verr := errors.Join(subscription.ErrValidation, validator.ValidationErrors{{Field: "billingPeriod", Message: "unsupported"}})
		svc.On("SubscriptionCheckout", mock.Anything, mock.Anything).Return(nil, verr)

		rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/checkout/subscription",
			`{"planId":"growth","billingPeriod":"weekly","userId":"`+userID.String()+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		details, ok := body["details"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, details, "billingPeriod")
	})
}

func TestCartCheckoutRoute(t *testing.T) {
	t.Parallel()

	svc := &mockService{}
	svc.On("CartCheckout", mock.Anything, mock.MatchedBy(func(req subscription.CartCheckoutRequest) bool {
		return req.UserID == uuid.Nil && req.Email == "guest@example.com" && len(req.Items) == 2 &&
			req.Items[1].Physical && req.Shipping != nil && req.Shipping.City == "Austin" && req.BonusItemID == "book"
	})).Return(&subscription.CheckoutSession{ID: "cs_cart", URL: "https://checkout.test/cs_cart"}, nil)

	rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/checkout/cart", `{
		"email":"guest@example.com",
		"items":[{"id":"course","name":"Course","price":49,"quantity":1},{"id":"book","name":"Book","price":20,"quantity":1,"isPhysical":true}],
		"shipping":{"name":"Guest","line1":"1 Main St","city":"Austin","state":"TX","postalCode":"73301","country":"US"},
		"bonusItemId":"book"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cs_cart", body["sessionId"])
	svc.AssertExpectations(t)
}

func TestUpgradeRoute(t *testing.T) {
	t.Parallel()
	userID := uuid.New()

	t.Run("returns quote", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Upgrade", mock.Anything, subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanElite}).
			Return(&subscription.UpgradeResult{
				Session:     &subscription.CheckoutSession{ID: "cs_up", URL: "https://checkout.test/cs_up"},
				Quote:       subscription.Quote{ProratedAmount: 66.67, RemainingDays: 10},
				CurrentPlan: subscription.Plan{ID: subscription.PlanGrowth, Name: "Growth"},
				NewPlan:     subscription.Plan{ID: subscription.PlanElite, Name: "Elite"},
			}, nil)

		rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/subscription/upgrade",
			`{"newPlanId":"elite","userId":"`+userID.String()+`"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "cs_up", body["sessionId"])
		assert.InDelta(t, 66.67, body["proratedAmount"], 0.001)
		assert.InDelta(t, 10, body["remainingDays"], 0)
		assert.Equal(t, "Growth", body["currentPlan"])
		assert.Equal(t, "Elite", body["newPlan"])
	})

	t.Run("no subscription", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Upgrade", mock.Anything, mock.Anything).Return(nil, subscription.ErrNoSubscription)

		rec, _ := do(t, billing.NewRouter(svc), http.MethodPost, "/api/subscription/upgrade",
			`{"newPlanId":"elite","userId":"`+userID.String()+`"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("canceled requires new subscription", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Upgrade", mock.Anything, mock.Anything).Return(nil, &subscription.StatusError{
			Status: subscription.StatusCanceled, Err: subscription.ErrSubscriptionCanceled,
		})

		rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/subscription/upgrade",
			`{"newPlanId":"elite","userId":"`+userID.String()+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, true, body["requiresNewSubscription"])
		assert.Equal(t, "canceled", body["currentStatus"])
	})

	t.Run("ineligible status", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Upgrade", mock.Anything, mock.Anything).Return(nil, &subscription.StatusError{
			Status: subscription.StatusPastDue, Err: subscription.ErrIneligibleStatus,
		})

		rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/subscription/upgrade",
			`{"newPlanId":"elite","userId":"`+userID.String()+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotContains(t, body, "requiresNewSubscription")
		assert.Equal(t, "past_due", body["currentStatus"])
	})
}

func TestWebhookRoute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"processed", nil, http.StatusOK},
		{"malformed is acknowledged", subscription.ErrMalformedEvent, http.StatusOK},
		{"bad signature", subscription.ErrInvalidSignature, http.StatusBadRequest},
		{"retryable failure", errors.Join(subscription.ErrStoreUnavailable, errors.New("timeout")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("HandleWebhook", mock.Anything, []byte(`{"id":"evt_1"}`), "t=1,v1=abc").Return(tc.err)

			rec, body := do(t, billing.NewRouter(svc), http.MethodPost, "/api/webhooks/stripe", `{"id":"evt_1"}`,
				billing.SignatureHeader, "t=1,v1=abc")
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, true, body["received"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()

	t.Run("healthz", func(t *testing.T) {
		ready := billing.NewRouter(&mockService{}, billing.WithHealthChecks(func(context.Context) error { return nil }))
		rec, _ := do(t, ready, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		failing := billing.NewRouter(&mockService{}, billing.WithHealthChecks(func(context.Context) error { return errors.New("down") }))
		rec, _ = do(t, failing, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		subscription.NewMetrics(reg)
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "billing_router_test_total", Help: "test"})
		reg.MustRegister(counter)
		counter.Inc()

		rec, _ := do(t, billing.NewRouter(&mockService{}, billing.WithMetricsGatherer(reg)), http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "billing_router_test_total 1")
	})

	t.Run("plans", func(t *testing.T) {
		svc := &mockService{}
		svc.On("Plans").Return([]subscription.Plan{{ID: subscription.PlanGrowth, Name: "Growth", MonthlyPrice: 297, TrialDays: 7}})

		rec, body := do(t, billing.NewRouter(svc), http.MethodGet, "/api/plans", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		plans, ok := body["plans"].([]any)
		require.True(t, ok)
		require.Len(t, plans, 1)
		assert.Equal(t, "growth", plans[0].(map[string]any)["id"])
	})
}
