package subscription

import (
	"context"
	"time"
)

// Gateway event types consumed by the reconciler.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
)

// SessionMode is the checkout session mode.
type SessionMode string

const (
	ModePayment      SessionMode = "payment"
	ModeSubscription SessionMode = "subscription"
)

// PaymentGateway is the payment processor surface the billing core uses.
// Implementations return *GatewayError for failed calls.
type PaymentGateway interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	FindCustomersByEmail(ctx context.Context, email string) ([]Customer, error)
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)

	GetSubscription(ctx context.Context, id string) (*GatewaySubscription, error)
	// UpdateSubscriptionPrice swaps the item to priceID without proration.
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (*GatewaySubscription, error)

	CreateCoupon(ctx context.Context, params CouponParams) (string, error)
	// FindPromotionCode returns the id of the active promotion code with the
	// given customer-facing code, or "" when none exists.
	FindPromotionCode(ctx context.Context, code string) (string, error)
	CreatePromotionCode(ctx context.Context, couponID, code string) (string, error)
	CreatePrice(ctx context.Context, params PriceParams) (string, error)

	CreateCheckoutSession(ctx context.Context, params SessionParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)

	// ParseEvent verifies the signature and decodes the event payload.
	// Returns ErrInvalidSignature or ErrMalformedEvent.
	ParseEvent(payload []byte, signature string) (*Event, error)
}

type Customer struct {
	ID      string
	Email   string
	Name    string
	Deleted bool
}

type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// GatewaySubscription is the gateway's view of a subscription with the
// status already mapped onto the local Status set.
type GatewaySubscription struct {
	ID                 string
	CustomerID         string
	Status             Status
	RawStatus          string
	ItemID             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

type CouponParams struct {
	ID         string
	Name       string
	PercentOff float64
}

type PriceParams struct {
	Currency    string
	UnitAmount  int64
	ProductName string
}

// LineItem references a catalog price or describes an ad-hoc amount.
type LineItem struct {
	PriceID     string
	Name        string
	Description string
	UnitAmount  int64
	Currency    string
	Quantity    int64
}

type SessionParams struct {
	Mode                 SessionMode
	CustomerID           string
	CustomerEmail        string
	ClientReferenceID    string
	LineItems            []LineItem
	SuccessURL           string
	CancelURL            string
	AllowPromotionCodes  bool
	PromotionCodeID      string
	TrialDays            int
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
}

type CheckoutSession struct {
	ID                string
	URL               string
	Mode              SessionMode
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	PaymentStatus     string
	Metadata          map[string]string
}

// Invoice carries the correlation ids of an invoice event.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// Event is a verified gateway event. Exactly one payload field is set for
// the handled types; unknown types carry none.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Session      *CheckoutSession
	Subscription *GatewaySubscription
	Invoice      *Invoice
}
