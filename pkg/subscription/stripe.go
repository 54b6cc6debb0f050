package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/coupon"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/promotioncode"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds the Stripe credentials and transport settings.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET,required"`
	APIURL        string        `env:"STRIPE_API_URL"` // empty uses api.stripe.com
	Timeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"15s"`
	MaxRetries    int64         `env:"STRIPE_MAX_RETRIES" envDefault:"2"`
}

// StripeGateway implements PaymentGateway on the Stripe API.
type StripeGateway struct {
	customers     customer.Client
	subscriptions stripesub.Client
	coupons       coupon.Client
	promoCodes    promotioncode.Client
	prices        price.Client
	sessions      session.Client

	webhookSecret string
	unverified    bool
}

type stripeOptions struct {
	httpClient *http.Client
	log        *slog.Logger
	unverified bool
}

// StripeOption configures NewStripeGateway.
type StripeOption func(*stripeOptions)

// WithStripeHTTPClient replaces the HTTP client used for API calls.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(o *stripeOptions) { o.httpClient = c }
}

// WithStripeLogger routes stripe-go's internal logs through log.
func WithStripeLogger(log *slog.Logger) StripeOption {
	return func(o *stripeOptions) { o.log = log }
}

// WithUnverifiedEvents disables webhook signature verification so tests and
// local tooling can post hand-written events. Never enable in production.
func WithUnverifiedEvents() StripeOption {
	return func(o *stripeOptions) { o.unverified = true }
}

// NewStripeGateway creates a Stripe-backed gateway with its own backend, so
// the process-wide stripe.Key is never touched.
func NewStripeGateway(cfg StripeConfig, opts ...StripeOption) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	o := &stripeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        o.httpClient,
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	if o.log != nil {
		backendCfg.LeveledLogger = &stripeLogger{log: o.log}
	} else {
		backendCfg.LeveledLogger = &stripe.LeveledLogger{Level: stripe.LevelNull}
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &StripeGateway{
		customers:     customer.Client{B: backend, Key: cfg.SecretKey},
		subscriptions: stripesub.Client{B: backend, Key: cfg.SecretKey},
		coupons:       coupon.Client{B: backend, Key: cfg.SecretKey},
		promoCodes:    promotioncode.Client{B: backend, Key: cfg.SecretKey},
		prices:        price.Client{B: backend, Key: cfg.SecretKey},
		sessions:      session.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		unverified:    o.unverified,
	}, nil
}

func (g *StripeGateway) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := g.customers.Get(id, params)
	if err != nil {
		// a customer removed from the account reads as deleted
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
			return &Customer{ID: id, Deleted: true}, nil
		}
		return nil, gatewayError("retrieve customer", err)
	}
	return mapStripeCustomer(c), nil
}

func (g *StripeGateway) FindCustomersByEmail(ctx context.Context, email string) ([]Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)
	params.Single = true

	var out []Customer
	it := g.customers.List(params)
	for it.Next() {
		out = append(out, *mapStripeCustomer(it.Customer()))
	}
	if err := it.Err(); err != nil {
		return nil, gatewayError("list customers", err)
	}
	return out, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (*Customer, error) {
	params := &stripe.CustomerParams{Email: stripe.String(p.Email)}
	params.Context = ctx
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	c, err := g.customers.New(params)
	if err != nil {
		return nil, gatewayError("create customer", err)
	}
	return mapStripeCustomer(c), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := g.subscriptions.Get(id, params)
	if err != nil {
		return nil, gatewayError("retrieve subscription", err)
	}
	return mapStripeSubscription(s), nil
}

func (g *StripeGateway) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (*GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(itemID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	s, err := g.subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, gatewayError("update subscription", err)
	}
	return mapStripeSubscription(s), nil
}

func (g *StripeGateway) CreateCoupon(ctx context.Context, p CouponParams) (string, error) {
	params := &stripe.CouponParams{
		PercentOff: stripe.Float64(p.PercentOff),
		Duration:   stripe.String(string(stripe.CouponDurationOnce)),
	}
	params.Context = ctx
	if p.ID != "" {
		params.ID = stripe.String(p.ID)
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	c, err := g.coupons.New(params)
	if err != nil {
		return "", gatewayError("create coupon", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) FindPromotionCode(ctx context.Context, code string) (string, error) {
	params := &stripe.PromotionCodeListParams{Code: stripe.String(code), Active: stripe.Bool(true)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	params.Single = true

	it := g.promoCodes.List(params)
	if it.Next() {
		return it.PromotionCode().ID, nil
	}
	if err := it.Err(); err != nil {
		return "", gatewayError("list promotion codes", err)
	}
	return "", nil
}

func (g *StripeGateway) CreatePromotionCode(ctx context.Context, couponID, code string) (string, error) {
	params := &stripe.PromotionCodeParams{Coupon: stripe.String(couponID), Code: stripe.String(code)}
	params.Context = ctx
	pc, err := g.promoCodes.New(params)
	if err != nil {
		return "", gatewayError("create promotion code", err)
	}
	return pc.ID, nil
}

func (g *StripeGateway) CreatePrice(ctx context.Context, p PriceParams) (string, error) {
	params := &stripe.PriceParams{
		Currency:    stripe.String(p.Currency),
		UnitAmount:  stripe.Int64(p.UnitAmount),
		ProductData: &stripe.PriceProductDataParams{Name: stripe.String(p.ProductName)},
	}
	params.Context = ctx
	pr, err := g.prices.New(params)
	if err != nil {
		return "", gatewayError("create price", err)
	}
	return pr.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p SessionParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(p.Mode)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}

	for _, item := range p.LineItems {
		li := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(max(item.Quantity, 1))}
		if item.PriceID != "" {
			li.Price = stripe.String(item.PriceID)
		} else {
			product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
			if item.Description != "" {
				product.Description = stripe.String(item.Description)
			}
			li.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(item.Currency),
				UnitAmount:  stripe.Int64(item.UnitAmount),
				ProductData: product,
			}
		}
		params.LineItems = append(params.LineItems, li)
	}

	// a session takes either an applied discount or manual codes, never both
	if p.PromotionCodeID != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{PromotionCode: stripe.String(p.PromotionCodeID)}}
	} else {
		params.AllowPromotionCodes = stripe.Bool(p.AllowPromotionCodes)
	}

	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.Mode == ModeSubscription {
		data := &stripe.CheckoutSessionSubscriptionDataParams{Metadata: p.SubscriptionMetadata}
		if p.TrialDays > 0 {
			data.TrialPeriodDays = stripe.Int64(int64(p.TrialDays))
		}
		params.SubscriptionData = data
	}

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, gatewayError("create checkout session", err)
	}
	return mapStripeSession(s), nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.sessions.Get(id, params)
	if err != nil {
		return nil, gatewayError("retrieve checkout session", err)
	}
	return mapStripeSession(s), nil
}

func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	var evt stripe.Event
	if g.unverified {
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
	} else {
		var err error
		evt, err = webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			if isSignatureError(err) {
				return nil, errors.Join(ErrInvalidSignature, err)
			}
			return nil, errors.Join(ErrMalformedEvent, err)
		}
	}
	if evt.ID == "" || evt.Type == "" || evt.Data == nil {
		return nil, fmt.Errorf("%w: missing id, type or data", ErrMalformedEvent)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type), Created: fromEpoch(evt.Created)}
	raw := evt.Data.Raw

	switch out.Type {
	case EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		out.Session = mapStripeSession(&s)

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		sub := mapStripeSubscription(&s)
		applyLegacyPeriod(sub, raw)
		out.Subscription = sub

	case EventInvoicePaid, EventInvoicePaymentSuccess, EventInvoicePaymentFailed:
		inv, err := decodeInvoice(raw)
		if err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		out.Invoice = inv
	}

	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

// gatewayError keeps the Stripe error code and message for the caller.
func gatewayError(op string, err error) error {
	ge := &GatewayError{Op: op, Err: err}
	var se *stripe.Error
	if errors.As(err, &se) {
		ge.Code = string(se.Code)
		ge.Message = se.Msg
		ge.StatusCode = se.HTTPStatusCode
	}
	return ge
}

func mapStripeCustomer(c *stripe.Customer) *Customer {
	return &Customer{ID: c.ID, Email: c.Email, Name: c.Name, Deleted: c.Deleted}
}

// mapStripeStatus folds Stripe's statuses onto the four local ones.
func mapStripeStatus(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return StatusCanceled
	default:
		// past_due, unpaid, incomplete, paused all need payment attention
		return StatusPastDue
	}
}

func mapStripeSubscription(s *stripe.Subscription) *GatewaySubscription {
	out := &GatewaySubscription{
		ID:                s.ID,
		Status:            mapStripeStatus(s.Status),
		RawStatus:         string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        optionalEpoch(s.CanceledAt),
		TrialStart:        optionalEpoch(s.TrialStart),
		TrialEnd:          optionalEpoch(s.TrialEnd),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = fromEpoch(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = fromEpoch(item.CurrentPeriodEnd)
	}
	return out
}

// applyLegacyPeriod fills the period from the top-level fields sent by
// webhook endpoints pinned to API versions before 2025-03-31.
func applyLegacyPeriod(sub *GatewaySubscription, raw json.RawMessage) {
	if !sub.CurrentPeriodEnd.IsZero() {
		return
	}
	var legacy struct {
		Start int64 `json:"current_period_start"`
		End   int64 `json:"current_period_end"`
	}
	if json.Unmarshal(raw, &legacy) == nil && legacy.End > 0 {
		sub.CurrentPeriodStart = fromEpoch(legacy.Start)
		sub.CurrentPeriodEnd = fromEpoch(legacy.End)
	}
}

func mapStripeSession(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:                s.ID,
		URL:               s.URL,
		Mode:              SessionMode(s.Mode),
		ClientReferenceID: s.ClientReferenceID,
		PaymentStatus:     string(s.PaymentStatus),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	return out
}

// decodeInvoice reads the subscription id from parent.subscription_details
// and falls back to the pre-2025 top-level field.
func decodeInvoice(raw json.RawMessage) (*Invoice, error) {
	var inv struct {
		ID           string `json:"id"`
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription string `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}
	out := &Invoice{ID: inv.ID, CustomerID: inv.Customer, SubscriptionID: inv.Subscription}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription
	}
	return out, nil
}

func fromEpoch(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalEpoch(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := fromEpoch(sec)
	return &t
}

// stripeLogger adapts slog to stripe-go's leveled logger.
type stripeLogger struct {
	log *slog.Logger
}

func (l *stripeLogger) Debugf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *stripeLogger) Infof(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *stripeLogger) Warnf(format string, v ...any)  { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l *stripeLogger) Errorf(format string, v ...any) { l.log.Error(fmt.Sprintf(format, v...)) }
