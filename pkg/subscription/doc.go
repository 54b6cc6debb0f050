// Package subscription implements the recurring-subscription core of the
// billing service: plan catalog, checkout sessions, plan upgrades with
// proration, and reconciliation of gateway webhooks into the local store.
//
// # Architecture
//
//   - Catalog: plans loaded once at startup with a price id per billing period
//   - PaymentGateway: the payment processor surface, implemented by StripeGateway
//   - Store: subscription records and user profiles
//   - EventLog: claims that make event and notification handling idempotent
//   - Notifier: told once about every new subscription
//
// Service wires these into CheckoutBuilder, Upgrader and Reconciler.
//
// # Usage
//
//	catalog, err := subscription.DefaultCatalog(cfg.Prices.Table())
//	gateway, err := subscription.NewStripeGateway(stripeCfg)
//	svc := subscription.NewService(cfg, catalog, gateway, store, events,
//		subscription.WithLogger(log),
//		subscription.WithNotifier(notifier),
//	)
//
//	session, err := svc.SubscriptionCheckout(ctx, subscription.SubscriptionCheckoutRequest{
//		UserID: userID,
//		PlanID: subscription.PlanGrowth,
//	})
//
// # Webhooks
//
// HandleWebhook verifies the signature, claims the event id and applies it.
// The gateway is authoritative: statuses are copied as reported, except
// that a canceled record stays canceled. ErrInvalidSignature and
// ErrMalformedEvent are final; other errors should be answered with a 5xx
// so the gateway redelivers.
//
// # Proration
//
// Prorate charges the difference in monthly prices over the remaining share
// of the current period, whatever the period length.
package subscription
