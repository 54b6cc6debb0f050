package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/dmitrymomot/coachbilling/pkg/logger"
)

// UpgradeRequest asks to move a user's live subscription to another plan.
type UpgradeRequest struct {
	UserID    uuid.UUID
	NewPlanID PlanID
}

// UpgradeResult is the payment session for the prorated difference. The
// plan itself changes once the session completes.
type UpgradeResult struct {
	Session      *CheckoutSession
	Quote        Quote
	CurrentPlan  Plan
	NewPlan      Plan
	Subscription *Record
}

// Upgrader quotes plan changes and collects the prorated difference.
type Upgrader struct {
	deps
}

// Upgrade validates the change against the local record and the gateway,
// then creates a one-time session for the prorated amount. Nothing is
// written unless the gateway reports the subscription as canceled.
func (u *Upgrader) Upgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	target, err := u.catalog.Plan(req.NewPlanID)
	if err != nil {
		return nil, err
	}

	rec, err := u.store.SubscriptionByUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, storeError("load subscription", err)
	}

	if rec.Status == StatusCanceled {
		return nil, &StatusError{Status: rec.Status, Err: ErrSubscriptionCanceled}
	}
	if !rec.Status.Upgradable() {
		return nil, &StatusError{Status: rec.Status, Err: ErrIneligibleStatus}
	}
	if rec.PlanID == target.ID {
		return nil, validationError(fmt.Errorf("already on the %s plan", target.Name))
	}
	current, err := u.catalog.Plan(rec.PlanID)
	if err != nil {
		return nil, err
	}
	successURL, cancelURL, err := u.redirects("", "", u.cfg.UpgradeSuccessPath, u.cfg.UpgradeCancelPath)
	if err != nil {
		return nil, err
	}

	gs, err := u.gateway.GetSubscription(ctx, rec.GatewaySubscriptionID)
	if err != nil {
		u.log.ErrorContext(ctx, "failed to fetch subscription for upgrade",
			logger.UserID(req.UserID), logger.SubscriptionID(rec.GatewaySubscriptionID), logger.Error(err))
		return nil, err
	}
	if gs.Status == StatusCanceled {
		if err := u.markCanceled(ctx, rec, gs); err != nil {
			return nil, err
		}
		return nil, &StatusError{Status: StatusCanceled, Err: ErrSubscriptionCanceled}
	}

	start, end := gs.CurrentPeriodStart, gs.CurrentPeriodEnd
	if end.IsZero() {
		start, end = rec.CurrentPeriodStart, rec.CurrentPeriodEnd
	}
	quote := Prorate(current, target, start, end, u.now())

	priceID, err := u.gateway.CreatePrice(ctx, PriceParams{
		Currency:    u.cfg.Currency,
		UnitAmount:  quote.AmountCents,
		ProductName: fmt.Sprintf("Upgrade from %s to %s (prorated)", current.Name, target.Name),
	})
	if err != nil {
		return nil, err
	}

	session, err := u.gateway.CreateCheckoutSession(ctx, SessionParams{
		Mode:              ModePayment,
		CustomerID:        rec.GatewayCustomerID,
		ClientReferenceID: req.UserID.String(),
		LineItems:         []LineItem{{PriceID: priceID, Quantity: 1}},
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		Metadata: map[string]string{
			"type":            "upgrade",
			"from_plan":       string(current.ID),
			"to_plan":         string(target.ID),
			"user_id":         req.UserID.String(),
			"remaining_days":  strconv.Itoa(quote.RemainingDays),
			"prorated_amount": fmt.Sprintf("%.2f", quote.ProratedAmount),
			"subscription_id": rec.GatewaySubscriptionID,
		},
	})
	if err != nil {
		u.log.ErrorContext(ctx, "failed to create upgrade checkout session",
			logger.UserID(req.UserID), logger.PlanID(string(target.ID)), logger.Error(err))
		return nil, err
	}
	u.metrics.session("upgrade")

	return &UpgradeResult{
		Session:      session,
		Quote:        quote,
		CurrentPlan:  current,
		NewPlan:      target,
		Subscription: rec,
	}, nil
}

// markCanceled brings the local record in line with a gateway-side cancel.
func (u *Upgrader) markCanceled(ctx context.Context, rec *Record, gs *GatewaySubscription) error {
	canceledAt := u.now().UTC()
	if gs.CanceledAt != nil {
		canceledAt = *gs.CanceledAt
	}
	rec.Status = StatusCanceled
	rec.CanceledAt = &canceledAt
	if err := u.store.UpsertSubscription(ctx, rec); err != nil {
		return storeError("save canceled subscription", err)
	}
	if _, err := u.store.MirrorProfile(ctx, ProfileMirror{
		UserID:     rec.UserID,
		CustomerID: rec.GatewayCustomerID,
		Status:     StatusCanceled,
		Plan:       planRef(""),
	}); err != nil {
		return storeError("mirror profile", err)
	}
	u.log.WarnContext(ctx, "local subscription was stale, gateway reports canceled",
		logger.UserID(rec.UserID), logger.SubscriptionID(rec.GatewaySubscriptionID))
	return nil
}
