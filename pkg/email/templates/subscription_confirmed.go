package templates

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

// SubscriptionConfirmedData is the content of the welcome email sent once
// a subscription is created.
type SubscriptionConfirmedData struct {
	PlanName      string
	PlanPrice     string // already formatted for display
	BillingPeriod string
	TrialEnd      string // empty when the plan has no trial
}

// SubscriptionConfirmed renders the welcome email body.
func SubscriptionConfirmed(d SubscriptionConfirmedData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!doctype html><html><body style="font-family:sans-serif">`); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, `<h1>Welcome to %s</h1><p>Your plan: <strong>%s</strong> billed %s.</p>`,
			templ.EscapeString(d.PlanName), templ.EscapeString(d.PlanPrice), templ.EscapeString(d.BillingPeriod)); err != nil {
			return err
		}
		if d.TrialEnd != "" {
			if _, err := fmt.Fprintf(w, `<p>Your free trial runs until %s. You will not be charged before then.</p>`,
				templ.EscapeString(d.TrialEnd)); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</body></html>`)
		return err
	})
}
