package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/coachbilling/pkg/subscription"
)

func TestUpgrade(t *testing.T) {
	t.Parallel()

	periodStart := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)
	now := periodEnd.AddDate(0, 0, -10)

	liveRecord := func(userID uuid.UUID, status subscription.Status) subscription.Record {
		return subscription.Record{
			UserID:                userID,
			GatewayCustomerID:     "cus_1",
			GatewaySubscriptionID: "sub_1",
			PlanID:                subscription.PlanGrowth,
			PlanName:              "Growth",
			BillingPeriod:         subscription.PeriodMonthly,
			Status:                status,
			CurrentPeriodStart:    periodStart,
			CurrentPeriodEnd:      periodEnd,
		}
	}
	gatewaySub := func(status subscription.Status) *subscription.GatewaySubscription {
		return &subscription.GatewaySubscription{
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			Status:             status,
			ItemID:             "si_1",
			PriceID:            "price_growth_monthly",
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodEnd,
		}
	}

	t.Run("prorated session for the difference", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig(), subscription.WithClock(fixedClock(now)))
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, subscription.StatusActive))

		env.gateway.On("GetSubscription", mock.Anything, "sub_1").Return(gatewaySub(subscription.StatusActive), nil)
		env.gateway.On("CreatePrice", mock.Anything, mock.MatchedBy(func(p subscription.PriceParams) bool {
			return p.UnitAmount == 6667 && p.Currency == "usd"
		})).Return("price_upgrade", nil)

		var got subscription.SessionParams
		env.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { got = args.Get(1).(subscription.SessionParams) }).
			Return(&subscription.CheckoutSession{ID: "cs_up", URL: "https://checkout.stripe.test/cs_up"}, nil)

		res, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanElite})
		require.NoError(t, err)

		assert.Equal(t, "cs_up", res.Session.ID)
		assert.Equal(t, 10, res.Quote.RemainingDays)
		assert.Equal(t, int64(6667), res.Quote.AmountCents)
		assert.Equal(t, subscription.PlanGrowth, res.CurrentPlan.ID)
		assert.Equal(t, subscription.PlanElite, res.NewPlan.ID)

		assert.Equal(t, subscription.ModePayment, got.Mode)
		assert.Equal(t, "cus_1", got.CustomerID)
		assert.False(t, got.AllowPromotionCodes)
		require.Len(t, got.LineItems, 1)
		assert.Equal(t, "price_upgrade", got.LineItems[0].PriceID)
		assert.Equal(t, map[string]string{
			"type":            "upgrade",
			"from_plan":       "growth",
			"to_plan":         "elite",
			"user_id":         userID.String(),
			"remaining_days":  "10",
			"prorated_amount": "66.67",
			"subscription_id": "sub_1",
		}, got.Metadata)

		// nothing is persisted until the session completes
		rec := env.store.record(t, "sub_1")
		assert.Equal(t, subscription.PlanGrowth, rec.PlanID)
		assert.Equal(t, 1, env.store.count())
	})

	t.Run("unknown target plan", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig())

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: uuid.New(), NewPlanID: "platinum"})
		assert.ErrorIs(t, err, subscription.ErrPlanNotFound)
	})

	t.Run("no subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig())

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: uuid.New(), NewPlanID: subscription.PlanElite})
		assert.ErrorIs(t, err, subscription.ErrNoSubscription)
	})

	t.Run("locally canceled needs a new subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig())
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, subscription.StatusCanceled))

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanElite})
		require.ErrorIs(t, err, subscription.ErrSubscriptionCanceled)

		var se *subscription.StatusError
		require.True(t, errors.As(err, &se))
		assert.True(t, se.RequiresNewSubscription())
		assert.Equal(t, subscription.StatusCanceled, se.Status)
		env.gateway.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
	})

	t.Run("ineligible status", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig())
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, "incomplete"))

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanElite})
		require.ErrorIs(t, err, subscription.ErrIneligibleStatus)

		var se *subscription.StatusError
		require.True(t, errors.As(err, &se))
		assert.False(t, se.RequiresNewSubscription())
	})

	t.Run("already on plan", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig())
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, subscription.StatusTrialing))

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanGrowth})
		assert.ErrorIs(t, err, subscription.ErrValidation)
	})

	t.Run("gateway canceled marks local record", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig(), subscription.WithClock(fixedClock(now)))
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, subscription.StatusActive))
		env.store.addProfile(subscription.Profile{UserID: userID, CurrentPlan: subscription.PlanGrowth, SubscriptionStatus: subscription.StatusActive})

		canceledAt := now.Add(-time.Hour)
		gs := gatewaySub(subscription.StatusCanceled)
		gs.CanceledAt = &canceledAt
		env.gateway.On("GetSubscription", mock.Anything, "sub_1").Return(gs, nil)

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanElite})
		require.ErrorIs(t, err, subscription.ErrSubscriptionCanceled)

		rec := env.store.record(t, "sub_1")
		assert.Equal(t, subscription.StatusCanceled, rec.Status)
		require.NotNil(t, rec.CanceledAt)
		assert.Equal(t, canceledAt, *rec.CanceledAt)

		p := env.store.profile(t, userID)
		assert.Equal(t, subscription.StatusCanceled, p.SubscriptionStatus)
		assert.Empty(t, p.CurrentPlan)
		env.gateway.AssertNotCalled(t, "CreatePrice", mock.Anything, mock.Anything)
	})

	t.Run("past due may upgrade", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig(), subscription.WithClock(fixedClock(now)))
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, subscription.StatusPastDue))

		env.gateway.On("GetSubscription", mock.Anything, "sub_1").Return(gatewaySub(subscription.StatusPastDue), nil)
		env.gateway.On("CreatePrice", mock.Anything, mock.Anything).Return("price_upgrade", nil)
		env.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(&subscription.CheckoutSession{ID: "cs"}, nil)

		_, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanElite})
		require.NoError(t, err)
	})

	t.Run("downgrade creates zero amount price", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, testConfig(), subscription.WithClock(fixedClock(now)))
		userID := uuid.New()
		env.store.addRecord(liveRecord(userID, subscription.StatusActive))

		env.gateway.On("GetSubscription", mock.Anything, "sub_1").Return(gatewaySub(subscription.StatusActive), nil)
		env.gateway.On("CreatePrice", mock.Anything, mock.MatchedBy(func(p subscription.PriceParams) bool {
			return p.UnitAmount == 0
		})).Return("price_zero", nil)
		env.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(&subscription.CheckoutSession{ID: "cs"}, nil)

		res, err := env.svc.Upgrade(context.Background(), subscription.UpgradeRequest{UserID: userID, NewPlanID: subscription.PlanFoundation})
		require.NoError(t, err)
		assert.Zero(t, res.Quote.AmountCents)
	})
}
