package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/coachbilling/db/migrations"
	"github.com/dmitrymomot/coachbilling/pkg/config"
	"github.com/dmitrymomot/coachbilling/pkg/email"
	"github.com/dmitrymomot/coachbilling/pkg/httpserver"
	"github.com/dmitrymomot/coachbilling/pkg/logger"
	"github.com/dmitrymomot/coachbilling/pkg/pg"
	"github.com/dmitrymomot/coachbilling/pkg/redis"
	"github.com/dmitrymomot/coachbilling/pkg/requestid"
	"github.com/dmitrymomot/coachbilling/pkg/subscription"
	"github.com/dmitrymomot/coachbilling/pkg/webhook"
	"github.com/dmitrymomot/coachbilling/svc/billing"
)

type appConfig struct {
	Env        string        `env:"APP_ENV" envDefault:"development"`
	LogLevel   string        `env:"LOG_LEVEL" envDefault:"info"`
	EventLog   string        `env:"BILLING_EVENT_LOG" envDefault:"redis"` // redis, postgres or memory
	EventLease time.Duration `env:"BILLING_EVENT_LEASE" envDefault:"5m"`  // how long an unfinished claim blocks redeliveries
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("billing service failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		app      appConfig
		billCfg  subscription.Config
		stripe   subscription.StripeConfig
		notify   subscription.NotifyConfig
		pgCfg    pg.Config
		redisCfg redis.Config
		httpCfg  httpserver.Config
		emailCfg email.Config
	)
	if err := errors.Join(
		config.Load(&app), config.Load(&billCfg), config.Load(&stripe), config.Load(&notify),
		config.Load(&pgCfg), config.Load(&redisCfg), config.Load(&httpCfg), config.Load(&emailCfg),
	); err != nil {
		return err
	}

	log := logger.New(
		logger.WithEnvironment(app.Env, "billing"),
		logger.WithLevelName(app.LogLevel),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	slog.SetDefault(log)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, migrations.FS, ".", pgCfg, log); err != nil {
		return err
	}
	checks := []func(context.Context) error{pg.Healthcheck(pool)}

	var events subscription.EventLog
	switch app.EventLog {
	case "redis":
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		events = billing.NewRedisEventLog(client, redisCfg, app.EventLease)
		checks = append(checks, redis.Healthcheck(client))
	case "postgres":
		events = billing.NewPostgresEventLog(pool, app.EventLease)
	case "memory":
		log.WarnContext(ctx, "in-memory event log does not survive restarts")
		events = billing.NewMemoryEventLog()
	default:
		return fmt.Errorf("unknown BILLING_EVENT_LOG %q", app.EventLog)
	}

	catalog, err := subscription.DefaultCatalog(billCfg.Prices.Table())
	if err != nil {
		return err
	}
	gateway, err := subscription.NewStripeGateway(stripe, subscription.WithStripeLogger(log))
	if err != nil {
		return err
	}

	notifiers := subscription.MultiNotifier{}
	if notify.WebhookURL != "" {
		notifiers = append(notifiers, subscription.NewWebhookNotifier(webhook.NewSender(), notify.WebhookURL, notify.WebhookSecret))
	}
	if notify.Email {
		sender, err := email.NewSender(emailCfg, log)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, subscription.NewEmailNotifier(sender))
	}

	metrics := subscription.NewMetrics(prometheus.DefaultRegisterer)
	svc := subscription.NewService(billCfg, catalog, gateway, billing.NewPostgresStore(pool, pgCfg), events,
		subscription.WithLogger(log),
		subscription.WithMetrics(metrics),
		subscription.WithNotifier(notifiers),
	)

	router := billing.NewRouter(svc,
		billing.WithRouterLogger(log),
		billing.WithHealthChecks(checks...),
		billing.WithMetricsGatherer(prometheus.DefaultGatherer),
	)
	return httpserver.New(httpCfg, log).Run(ctx, router)
}
