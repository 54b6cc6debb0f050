package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/coachbilling/pkg/logger"
)

// Service is the billing core used by the HTTP layer.
type Service interface {
	Plans() []Plan
	SubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (*CheckoutSession, error)
	CartCheckout(ctx context.Context, req CartCheckoutRequest) (*CheckoutSession, error)
	Upgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// deps are shared by every component of a service.
type deps struct {
	cfg     Config
	catalog *Catalog
	gateway PaymentGateway
	store   Store
	log     *slog.Logger
	now     func() time.Time
	metrics *Metrics
}

type service struct {
	deps
	notifier Notifier

	checkout   *CheckoutBuilder
	upgrader   *Upgrader
	reconciler *Reconciler
}

// NewService wires the billing components together.
// Panics if catalog, gateway, store or events is nil.
func NewService(cfg Config, catalog *Catalog, gateway PaymentGateway, store Store, events EventLog, opts ...ServiceOption) Service {
	if catalog == nil {
		panic("subscription: Catalog is required")
	}
	if gateway == nil {
		panic("subscription: PaymentGateway is required")
	}
	if store == nil {
		panic("subscription: Store is required")
	}
	if events == nil {
		panic("subscription: EventLog is required")
	}

	s := &service{
		deps: deps{
			cfg:     cfg,
			catalog: catalog,
			gateway: gateway,
			store:   store,
			log:     slog.New(slog.DiscardHandler),
			now:     time.Now,
		},
		notifier: NoopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.NotifyTimeout <= 0 {
		s.cfg.NotifyTimeout = 5 * time.Second
	}

	customers := NewCustomerResolver(gateway, store, s.log)
	s.checkout = &CheckoutBuilder{deps: s.component("checkout"), customers: customers}
	s.upgrader = &Upgrader{deps: s.component("upgrader")}
	s.reconciler = &Reconciler{
		deps:      s.component("reconciler"),
		events:    events,
		notifier:  s.notifier,
		lifecycle: newLifecycle(),
	}
	return s
}

func (d deps) component(name string) deps {
	d.log = d.log.With(logger.Component(name))
	return d
}

func (s *service) Plans() []Plan { return s.catalog.Plans() }

func (s *service) SubscriptionCheckout(ctx context.Context, req SubscriptionCheckoutRequest) (*CheckoutSession, error) {
	return s.checkout.SubscriptionCheckout(ctx, req)
}

func (s *service) CartCheckout(ctx context.Context, req CartCheckoutRequest) (*CheckoutSession, error) {
	return s.checkout.CartCheckout(ctx, req)
}

func (s *service) Upgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	return s.upgrader.Upgrade(ctx, req)
}

func (s *service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return s.reconciler.HandleWebhook(ctx, payload, signature)
}
