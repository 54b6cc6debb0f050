package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/coachbilling/pkg/logger"
	"github.com/dmitrymomot/coachbilling/pkg/validator"
)

const maxRedirectURLLength = 2048

// SubscriptionCheckoutRequest starts a recurring checkout. Empty redirect
// URLs fall back to the configured paths under BaseURL.
type SubscriptionCheckoutRequest struct {
	UserID        uuid.UUID
	PlanID        PlanID
	BillingPeriod BillingPeriod
	SuccessURL    string
	CancelURL     string
}

// CartItem is one product in a one-time order. Price is in major units.
type CartItem struct {
	ID          string
	Name        string
	Description string
	Price       float64
	Quantity    int64
	Physical    bool
}

type ShippingAddress struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// CartCheckoutRequest starts a one-time order checkout. BonusItemID names an
// item whose bonus eligibility was already confirmed; it is charged at zero.
type CartCheckoutRequest struct {
	UserID      uuid.UUID
	Email       string
	Items       []CartItem
	Shipping    *ShippingAddress
	BonusItemID string
	SuccessURL  string
	CancelURL   string
}

// CheckoutBuilder creates gateway checkout sessions.
type CheckoutBuilder struct {
	deps
	customers *CustomerResolver
}

// SubscriptionCheckout creates a subscription-mode session for the plan and
// period, with the plan's trial and the configured discount.
func (b *CheckoutBuilder) SubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (*CheckoutSession, error) {
	if req.BillingPeriod == "" {
		req.BillingPeriod = PeriodMonthly
	}
	if err := validator.Apply(
		validator.RequiredString("user_id", uuidString(req.UserID)),
		validator.RequiredString("plan_id", string(req.PlanID)),
		validator.OneOfString("billing_period", string(req.BillingPeriod), periodNames()),
	); err != nil {
		return nil, validationError(err)
	}

	plan, err := b.catalog.Plan(req.PlanID)
	if err != nil {
		return nil, err
	}
	priceID, ok := plan.PriceID(req.BillingPeriod)
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s/%s", ErrPlanNotFound, plan.ID, req.BillingPeriod)
	}

	successURL, cancelURL, err := b.redirects(req.SuccessURL, req.CancelURL, b.cfg.SuccessPath, b.cfg.CancelPath)
	if err != nil {
		return nil, err
	}

	customerID, err := b.customers.Resolve(ctx, req.UserID, "")
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		"userId":        req.UserID.String(),
		"planId":        string(plan.ID),
		"billingPeriod": string(req.BillingPeriod),
	}
	params := SessionParams{
		Mode:                 ModeSubscription,
		CustomerID:           customerID,
		ClientReferenceID:    req.UserID.String(),
		LineItems:            []LineItem{{PriceID: priceID, Quantity: 1}},
		SuccessURL:           successURL,
		CancelURL:            cancelURL,
		TrialDays:            plan.TrialDays,
		Metadata:             meta,
		SubscriptionMetadata: meta,
	}

	if b.cfg.DiscountEnabled() {
		promoID, err := b.promotionCode(ctx)
		if err != nil {
			return nil, err
		}
		params.PromotionCodeID = promoID
	} else {
		params.AllowPromotionCodes = true
	}

	session, err := b.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		b.log.ErrorContext(ctx, "failed to create subscription checkout session",
			logger.UserID(req.UserID), logger.PlanID(string(plan.ID)), logger.Error(err))
		return nil, err
	}
	b.metrics.session("subscription")
	return session, nil
}

// CartCheckout creates a payment-mode session for a one-time order. Orders
// with physical items need a complete shipping address.
func (b *CheckoutBuilder) CartCheckout(ctx context.Context, req CartCheckoutRequest) (*CheckoutSession, error) {
	if err := validateCart(req); err != nil {
		return nil, err
	}

	successURL, cancelURL, err := b.redirects(req.SuccessURL, req.CancelURL, b.cfg.OrderSuccessPath, b.cfg.OrderCancelPath)
	if err != nil {
		return nil, err
	}

	items := make([]LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		li := LineItem{
			Name:        it.Name,
			Description: it.Description,
			UnitAmount:  toCents(it.Price),
			Currency:    b.cfg.Currency,
			Quantity:    max(it.Quantity, 1),
		}
		if req.BonusItemID != "" && it.ID == req.BonusItemID {
			li.UnitAmount = 0
			li.Name = it.Name + " (FREE bonus)"
			li.Description = "100% off: complimentary bonus item"
		}
		items = append(items, li)
	}

	meta := map[string]string{"type": "order"}
	params := SessionParams{
		Mode:       ModePayment,
		LineItems:  items,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata:   meta,
	}
	if req.UserID != uuid.Nil {
		meta["user_id"] = req.UserID.String()
		params.ClientReferenceID = req.UserID.String()
	}
	if req.Email != "" {
		params.CustomerEmail = req.Email
	}
	if req.BonusItemID != "" {
		meta["bonus_item_id"] = req.BonusItemID
	}
	if s := req.Shipping; s != nil {
		for k, v := range map[string]string{
			"shipping_name":        s.Name,
			"shipping_line1":       s.Line1,
			"shipping_line2":       s.Line2,
			"shipping_city":        s.City,
			"shipping_state":       s.State,
			"shipping_postal_code": s.PostalCode,
			"shipping_country":     s.Country,
		} {
			if v != "" {
				meta[k] = v
			}
		}
	}

	session, err := b.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		b.log.ErrorContext(ctx, "failed to create order checkout session",
			logger.UserID(req.UserID), logger.Error(err))
		return nil, err
	}
	b.metrics.session("order")
	return session, nil
}

func validateCart(req CartCheckoutRequest) error {
	rules := []validator.Rule{
		validator.RequiredSlice("items", req.Items),
		validator.When(req.Email != "", validator.ValidEmail("email", req.Email)),
	}
	physical := false
	for i, it := range req.Items {
		field := "items[" + strconv.Itoa(i) + "]"
		rules = append(rules,
			validator.RequiredString(field+".name", it.Name),
			validator.MinNum(field+".price", it.Price, 0),
			validator.MinNum(field+".quantity", it.Quantity, 0),
		)
		physical = physical || it.Physical
	}
	if physical {
		s := req.Shipping
		if s == nil {
			s = &ShippingAddress{}
		}
		rules = append(rules,
			validator.RequiredString("shipping.name", s.Name),
			validator.RequiredString("shipping.line1", s.Line1),
			validator.RequiredString("shipping.city", s.City),
			validator.RequiredString("shipping.postal_code", s.PostalCode),
			validator.RequiredString("shipping.country", s.Country),
		)
	}
	if err := validator.Apply(rules...); err != nil {
		return validationError(err)
	}
	return nil
}

// redirects resolves the success and cancel URLs, defaulting to the
// configured paths.
func (d deps) redirects(success, cancel, successPath, cancelPath string) (string, string, error) {
	base := strings.TrimRight(d.cfg.BaseURL, "/")
	if success == "" {
		success = base + successPath
	}
	if cancel == "" {
		cancel = base + cancelPath
	}
	if err := validateRedirectURLs(success, cancel); err != nil {
		return "", "", err
	}
	return success, cancel, nil
}

func validateRedirectURLs(success, cancel string) error {
	err := validator.Apply(
		validator.AbsoluteURL("success_url", success, "http", "https"),
		validator.MaxLenString("success_url", success, maxRedirectURLLength),
		validator.AbsoluteURL("cancel_url", cancel, "http", "https"),
		validator.MaxLenString("cancel_url", cancel, maxRedirectURLLength),
	)
	if err != nil {
		return errors.Join(ErrInvalidRedirectURL, err)
	}
	return nil
}

// promotionCode returns the configured discount's promotion code, creating
// the coupon and code on first use.
func (b *CheckoutBuilder) promotionCode(ctx context.Context) (string, error) {
	code := b.cfg.DiscountCode
	id, err := b.gateway.FindPromotionCode(ctx, code)
	if err != nil || id != "" {
		return id, err
	}

	couponID, err := b.gateway.CreateCoupon(ctx, CouponParams{
		Name:       fmt.Sprintf("%g%% off first payment", b.cfg.DiscountPercent),
		PercentOff: b.cfg.DiscountPercent,
	})
	if err != nil {
		return "", err
	}
	id, err = b.gateway.CreatePromotionCode(ctx, couponID, code)
	if err != nil {
		// a concurrent checkout may have created the code first
		if existing, findErr := b.gateway.FindPromotionCode(ctx, code); findErr == nil && existing != "" {
			return existing, nil
		}
		return "", err
	}
	b.log.InfoContext(ctx, "discount promotion code created", slog.String("code", code))
	return id, nil
}

func periodNames() []string {
	out := make([]string, 0, len(BillingPeriods))
	for _, p := range BillingPeriods {
		out = append(out, string(p))
	}
	return out
}

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
