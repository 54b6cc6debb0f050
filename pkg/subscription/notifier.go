package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dmitrymomot/coachbilling/pkg/email"
	"github.com/dmitrymomot/coachbilling/pkg/email/templates"
	"github.com/dmitrymomot/coachbilling/pkg/webhook"
)

// Notification describes a newly created subscription.
type Notification struct {
	UserID         uuid.UUID
	SubscriptionID string
	Email          string
	PlanName       string
	PlanPrice      float64
	Currency       string
	BillingPeriod  BillingPeriod
	TrialEnd       *time.Time
}

// Notifier is told once about every new subscription. Errors are logged
// by the caller and never fail event processing.
type Notifier interface {
	SubscriptionCreated(ctx context.Context, n Notification) error
}

// NotifyConfig selects the notification channels.
type NotifyConfig struct {
	WebhookURL    string `env:"NOTIFY_WEBHOOK_URL"`
	WebhookSecret string `env:"NOTIFY_WEBHOOK_SECRET"`
	Email         bool   `env:"NOTIFY_EMAIL" envDefault:"true"`
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) SubscriptionCreated(context.Context, Notification) error { return nil }

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) SubscriptionCreated(ctx context.Context, n Notification) error { return f(ctx, n) }

// webhookPayload is the JSON body posted to the notification endpoint.
type webhookPayload struct {
	Email         string     `json:"email"`
	PlanName      string     `json:"plan_name"`
	PlanPrice     float64    `json:"plan_price"`
	BillingPeriod string     `json:"billing_period"`
	TrialEnd      *time.Time `json:"trial_end"`
}

// WebhookNotifier posts notifications to an HTTP endpoint, signed when a
// secret is set.
type WebhookNotifier struct {
	sender *webhook.Sender
	url    string
	opts   []webhook.SendOption
}

func NewWebhookNotifier(sender *webhook.Sender, url, secret string, opts ...webhook.SendOption) *WebhookNotifier {
	if sender == nil {
		sender = webhook.NewSender()
	}
	if secret != "" {
		opts = append(opts, webhook.WithSignature(secret))
	}
	return &WebhookNotifier{sender: sender, url: url, opts: opts}
}

func (n *WebhookNotifier) SubscriptionCreated(ctx context.Context, note Notification) error {
	return n.sender.Send(ctx, n.url, webhookPayload{
		Email:         note.Email,
		PlanName:      note.PlanName,
		PlanPrice:     note.PlanPrice,
		BillingPeriod: string(note.BillingPeriod),
		TrialEnd:      note.TrialEnd,
	}, n.opts...)
}

// EmailNotifier sends the subscription confirmation email.
type EmailNotifier struct {
	sender  email.EmailSender
	printer *message.Printer
}

func NewEmailNotifier(sender email.EmailSender) *EmailNotifier {
	return &EmailNotifier{sender: sender, printer: message.NewPrinter(language.English)}
}

func (n *EmailNotifier) SubscriptionCreated(ctx context.Context, note Notification) error {
	data := templates.SubscriptionConfirmedData{
		PlanName:      note.PlanName,
		PlanPrice:     n.formatPrice(note.PlanPrice, note.Currency),
		BillingPeriod: periodLabel(note.BillingPeriod),
	}
	if note.TrialEnd != nil {
		data.TrialEnd = note.TrialEnd.Format("January 2, 2006")
	}

	body, err := templates.Render(ctx, templates.SubscriptionConfirmed(data))
	if err != nil {
		return fmt.Errorf("render confirmation email: %w", err)
	}
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   note.Email,
		Subject:  fmt.Sprintf("Your %s subscription is confirmed", note.PlanName),
		BodyHTML: body,
		Tag:      "subscription-confirmed",
	})
}

func (n *EmailNotifier) formatPrice(amount float64, currency string) string {
	if currency == "" || strings.EqualFold(currency, "usd") {
		return n.printer.Sprintf("$%.2f", amount)
	}
	return n.printer.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
}

func periodLabel(p BillingPeriod) string {
	switch p {
	case PeriodSixMonth:
		return "every six months"
	case PeriodAnnual:
		return "annually"
	default:
		return "monthly"
	}
}

// MultiNotifier fans a notification out to every notifier concurrently and
// joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) SubscriptionCreated(ctx context.Context, note Notification) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, n := range m {
		g.Go(func() error {
			errs[i] = n.SubscriptionCreated(ctx, note)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
