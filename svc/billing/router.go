package billing

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/coachbilling/pkg/httpserver"
	"github.com/dmitrymomot/coachbilling/pkg/requestid"
	"github.com/dmitrymomot/coachbilling/pkg/subscription"
)

// SignatureHeader carries the gateway's webhook signature.
const SignatureHeader = "Stripe-Signature"

type routerOptions struct {
	log      *slog.Logger
	checks   []func(context.Context) error
	gatherer prometheus.Gatherer
}

// RouterOption configures NewRouter.
type RouterOption func(*routerOptions)

func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(o *routerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithHealthChecks adds readiness checks to GET /healthz.
func WithHealthChecks(checks ...func(context.Context) error) RouterOption {
	return func(o *routerOptions) {
		o.checks = append(o.checks, checks...)
	}
}

// WithMetricsGatherer exposes g on GET /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) RouterOption {
	return func(o *routerOptions) {
		o.gatherer = g
	}
}

// NewRouter mounts the billing API on a chi router.
func NewRouter(svc subscription.Service, opts ...RouterOption) http.Handler {
	o := &routerOptions{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(o)
	}
	h := &handlers{svc: svc, log: o.log}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.HealthCheckHandler(o.log, o.checks...))
	if o.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", h.plans)
		r.Post("/checkout/subscription", h.subscriptionCheckout)
		r.Post("/checkout/cart", h.cartCheckout)
		r.Post("/subscription/upgrade", h.upgrade)
		r.Post("/webhooks/stripe", h.webhook)
	})
	return r
}
