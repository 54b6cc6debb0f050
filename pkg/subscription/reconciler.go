package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/dmitrymomot/coachbilling/pkg/logger"
)

// Reconciler applies gateway events to the local store. Every event is
// claimed in the event log first, so redeliveries are acknowledged without
// being applied twice. The claim is completed once the event is handled; a
// failed event releases it and the gateway retries.
type Reconciler struct {
	deps
	events    EventLog
	notifier  Notifier
	lifecycle *lifecycle
}

// HandleWebhook verifies and applies one gateway event. ErrInvalidSignature
// and ErrMalformedEvent are not retryable; any other error is.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	evt, err := r.gateway.ParseEvent(payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			r.metrics.event("unknown", OutcomeRejected)
			r.log.WarnContext(ctx, "rejected webhook with invalid signature", logger.Error(err))
		default:
			r.metrics.event("unknown", OutcomeMalformed)
			r.log.WarnContext(ctx, "failed to parse webhook", logger.Error(err))
		}
		return err
	}

	log := r.log.With(logger.EventID(evt.ID), logger.EventType(evt.Type))
	key := "event:" + evt.ID

	claimed, err := r.events.Claim(ctx, key)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim event", logger.Error(err))
		r.metrics.event(evt.Type, OutcomeFailed)
		return storeError("claim event", err)
	}
	if !claimed {
		log.DebugContext(ctx, "duplicate event skipped")
		r.metrics.event(evt.Type, OutcomeDuplicate)
		return nil
	}

	outcome, err := r.dispatch(ctx, log, evt)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			log.WarnContext(ctx, "malformed event acknowledged", logger.Error(err))
			r.metrics.event(evt.Type, OutcomeMalformed)
			r.complete(ctx, log, key)
			return err
		}
		if relErr := r.events.Release(context.WithoutCancel(ctx), key); relErr != nil {
			log.ErrorContext(ctx, "failed to release event claim", logger.Error(relErr))
		}
		log.ErrorContext(ctx, "failed to process event", logger.Error(err))
		r.metrics.event(evt.Type, OutcomeFailed)
		return err
	}

	r.complete(ctx, log, key)
	log.InfoContext(ctx, "event handled", slog.String("outcome", outcome))
	r.metrics.event(evt.Type, outcome)
	return nil
}

// complete marks a claim done. A failure leaves it processing until the
// lease expires, after which a redelivery is applied again.
func (r *Reconciler) complete(ctx context.Context, log *slog.Logger, key string) {
	if err := r.events.Complete(context.WithoutCancel(ctx), key); err != nil {
		log.ErrorContext(ctx, "failed to complete claim", slog.String("key", key), logger.Error(err))
	}
}

func (r *Reconciler) dispatch(ctx context.Context, log *slog.Logger, evt *Event) (string, error) {
	switch evt.Type {
	case EventCheckoutCompleted:
		if evt.Session == nil {
			return "", fmt.Errorf("%w: missing checkout session", ErrMalformedEvent)
		}
		return r.checkoutCompleted(ctx, log, evt.Session)

	case EventSubscriptionCreated:
		if evt.Subscription == nil {
			return "", fmt.Errorf("%w: missing subscription", ErrMalformedEvent)
		}
		return OutcomeProcessed, r.subscriptionCreated(ctx, log, evt.Subscription, nil)

	case EventSubscriptionUpdated:
		if evt.Subscription == nil {
			return "", fmt.Errorf("%w: missing subscription", ErrMalformedEvent)
		}
		return OutcomeProcessed, r.subscriptionUpdated(ctx, log, evt.Subscription)

	case EventSubscriptionDeleted:
		if evt.Subscription == nil {
			return "", fmt.Errorf("%w: missing subscription", ErrMalformedEvent)
		}
		return r.subscriptionDeleted(ctx, log, evt.Subscription)

	case EventInvoicePaid, EventInvoicePaymentSuccess:
		if evt.Invoice == nil {
			return "", fmt.Errorf("%w: missing invoice", ErrMalformedEvent)
		}
		return r.invoicePaid(ctx, log, evt.Invoice)

	case EventInvoicePaymentFailed:
		if evt.Invoice == nil {
			return "", fmt.Errorf("%w: missing invoice", ErrMalformedEvent)
		}
		return r.paymentFailed(ctx, log, evt.Invoice)
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, log *slog.Logger, s *CheckoutSession) (string, error) {
	if s.Metadata["type"] == "upgrade" {
		return r.upgradeCompleted(ctx, log, s)
	}
	if s.Mode != ModeSubscription {
		// one-time orders are fulfilled elsewhere
		return OutcomeIgnored, nil
	}
	if s.SubscriptionID == "" {
		return "", fmt.Errorf("%w: subscription session %s has no subscription", ErrMalformedEvent, s.ID)
	}

	gs, err := r.gateway.GetSubscription(ctx, s.SubscriptionID)
	if err != nil {
		return "", err
	}
	fallback := maps.Clone(s.Metadata)
	if fallback == nil {
		fallback = map[string]string{}
	}
	if s.ClientReferenceID != "" && fallback["user_id"] == "" {
		fallback["user_id"] = s.ClientReferenceID
	}
	return OutcomeProcessed, r.subscriptionCreated(ctx, log, gs, fallback)
}

// subscriptionCreated stores the new subscription, mirrors it onto the
// profile and sends the one-time confirmation.
func (r *Reconciler) subscriptionCreated(ctx context.Context, log *slog.Logger, gs *GatewaySubscription, fallback map[string]string) error {
	userID, ok, err := metadataUserID(gs.Metadata, fallback)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscription %s has no user id", ErrMalformedEvent, gs.ID)
	}

	rec, err := r.bySubscription(ctx, gs.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{UserID: userID}
	}

	planKnown := r.apply(ctx, log, rec, gs)
	if !planKnown {
		planKnown = r.planFromMetadata(rec, gs.Metadata, fallback)
	}
	if err := r.save(ctx, rec); err != nil {
		return err
	}
	created, err := r.mirror(ctx, rec, planKnown)
	if err != nil {
		return err
	}
	if created {
		log.InfoContext(ctx, "profile created from subscription", logger.UserID(rec.UserID))
	}

	r.notifyCreated(ctx, log, rec)
	return nil
}

// subscriptionUpdated applies the gateway's view to the record, creating it
// when the owner can be found by metadata or customer.
func (r *Reconciler) subscriptionUpdated(ctx context.Context, log *slog.Logger, gs *GatewaySubscription) error {
	rec, err := r.bySubscription(ctx, gs.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		userID, err := r.owner(ctx, gs)
		if err != nil {
			return err
		}
		rec = &Record{UserID: userID}
	}

	planKnown := r.apply(ctx, log, rec, gs)
	if err := r.save(ctx, rec); err != nil {
		return err
	}
	_, err = r.mirror(ctx, rec, planKnown || rec.PlanID != "")
	return err
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, log *slog.Logger, gs *GatewaySubscription) (string, error) {
	rec, err := r.bySubscription(ctx, gs.ID)
	if err != nil {
		return "", err
	}
	if rec == nil && gs.CustomerID != "" {
		if rec, err = r.byCustomer(ctx, gs.CustomerID); err != nil {
			return "", err
		}
	}
	if rec == nil {
		log.InfoContext(ctx, "deleted subscription is unknown",
			logger.SubscriptionID(gs.ID), logger.CustomerID(gs.CustomerID))
		return OutcomeIgnored, nil
	}

	canceledAt := r.now().UTC()
	if gs.CanceledAt != nil {
		canceledAt = *gs.CanceledAt
	}
	rec.Status = StatusCanceled
	rec.CanceledAt = &canceledAt
	rec.CancelAtPeriodEnd = gs.CancelAtPeriodEnd
	if !gs.CurrentPeriodEnd.IsZero() {
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd = gs.CurrentPeriodStart, gs.CurrentPeriodEnd
	}

	if err := r.save(ctx, rec); err != nil {
		return "", err
	}
	if _, err := r.mirror(ctx, rec, false); err != nil {
		return "", err
	}
	log.InfoContext(ctx, "subscription canceled",
		logger.UserID(rec.UserID), logger.SubscriptionID(rec.GatewaySubscriptionID))
	return OutcomeProcessed, nil
}

// invoicePaid refreshes the subscription from the gateway, which carries
// the renewed period.
func (r *Reconciler) invoicePaid(ctx context.Context, log *slog.Logger, inv *Invoice) (string, error) {
	if inv.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}
	gs, err := r.gateway.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, r.subscriptionUpdated(ctx, log, gs)
}

func (r *Reconciler) paymentFailed(ctx context.Context, log *slog.Logger, inv *Invoice) (string, error) {
	var rec *Record
	var err error
	if inv.SubscriptionID != "" {
		if rec, err = r.bySubscription(ctx, inv.SubscriptionID); err != nil {
			return "", err
		}
	}
	if rec == nil && inv.CustomerID != "" {
		if rec, err = r.byCustomer(ctx, inv.CustomerID); err != nil {
			return "", err
		}
	}
	if rec == nil {
		log.InfoContext(ctx, "failed payment for unknown customer", logger.CustomerID(inv.CustomerID))
		return OutcomeIgnored, nil
	}

	status, ok := r.lifecycle.next(ctx, rec.Status, StatusPastDue)
	if !ok {
		log.InfoContext(ctx, "failed payment for canceled subscription ignored",
			logger.SubscriptionID(rec.GatewaySubscriptionID))
		return OutcomeIgnored, nil
	}
	rec.Status = status
	if err := r.save(ctx, rec); err != nil {
		return "", err
	}
	if _, err := r.mirror(ctx, rec, rec.PlanID != ""); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

// upgradeCompleted swaps the subscription to the paid-for plan, keeping its
// current billing period.
func (r *Reconciler) upgradeCompleted(ctx context.Context, log *slog.Logger, s *CheckoutSession) (string, error) {
	userID, ok, err := metadataUserID(s.Metadata)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: upgrade session %s has no user id", ErrMalformedEvent, s.ID)
	}
	plan, err := r.catalog.Plan(PlanID(s.Metadata["to_plan"]))
	if err != nil {
		return "", errors.Join(ErrMalformedEvent, err)
	}
	subID := s.Metadata["subscription_id"]
	if subID == "" {
		return "", fmt.Errorf("%w: upgrade session %s has no subscription id", ErrMalformedEvent, s.ID)
	}
	if s.PaymentStatus != "" && s.PaymentStatus != "paid" && s.PaymentStatus != "no_payment_required" {
		log.WarnContext(ctx, "upgrade session completed without payment", slog.String("payment_status", s.PaymentStatus))
		return OutcomeIgnored, nil
	}

	gs, err := r.gateway.GetSubscription(ctx, subID)
	if err != nil {
		return "", err
	}
	if gs.Status == StatusCanceled {
		log.WarnContext(ctx, "upgrade paid for a canceled subscription", logger.UserID(userID), logger.SubscriptionID(subID))
		return OutcomeIgnored, nil
	}

	period := PeriodMonthly
	if ref, ok := r.catalog.ResolvePrice(gs.PriceID); ok {
		period = ref.Period
	}
	target, ok := plan.PriceID(period)
	if !ok {
		return "", fmt.Errorf("%w: no price for %s/%s", ErrPlanNotFound, plan.ID, period)
	}
	if gs.PriceID != target {
		if gs, err = r.gateway.UpdateSubscriptionPrice(ctx, gs.ID, gs.ItemID, target); err != nil {
			return "", err
		}
	}

	rec, err := r.bySubscription(ctx, gs.ID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		rec = &Record{UserID: userID}
	}
	r.apply(ctx, log, rec, gs)
	r.setPlan(rec, plan, period)

	if err := r.save(ctx, rec); err != nil {
		return "", err
	}
	if _, err := r.mirror(ctx, rec, true); err != nil {
		return "", err
	}
	log.InfoContext(ctx, "subscription upgraded",
		logger.UserID(rec.UserID), logger.PlanID(string(plan.ID)), slog.String("from_plan", s.Metadata["from_plan"]))
	return OutcomeProcessed, nil
}

// apply copies the gateway subscription onto rec. It reports whether the
// price resolved to a catalog plan; an unknown price leaves the plan fields
// untouched.
func (r *Reconciler) apply(ctx context.Context, log *slog.Logger, rec *Record, gs *GatewaySubscription) bool {
	status, ok := r.lifecycle.next(ctx, rec.Status, gs.Status)
	if !ok {
		log.InfoContext(ctx, "stale status ignored for canceled subscription",
			logger.SubscriptionID(gs.ID), slog.String("reported_status", string(gs.Status)))
	}
	rec.Status = status
	rec.GatewaySubscriptionID = gs.ID
	if gs.CustomerID != "" {
		rec.GatewayCustomerID = gs.CustomerID
	}
	if !gs.CurrentPeriodEnd.IsZero() {
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd = gs.CurrentPeriodStart, gs.CurrentPeriodEnd
	}
	rec.CancelAtPeriodEnd = gs.CancelAtPeriodEnd
	if gs.CanceledAt != nil {
		rec.CanceledAt = gs.CanceledAt
	}
	if rec.Status == StatusCanceled && rec.CanceledAt == nil {
		now := r.now().UTC()
		rec.CanceledAt = &now
	}
	rec.TrialStart, rec.TrialEnd = gs.TrialStart, gs.TrialEnd

	ref, ok := r.catalog.ResolvePrice(gs.PriceID)
	if !ok {
		r.metrics.unresolvedPrice(gs.PriceID)
		log.WarnContext(ctx, "subscription price is not in the catalog, plan left unchanged",
			logger.SubscriptionID(gs.ID), slog.String("price_id", gs.PriceID))
		return false
	}
	plan, _ := r.catalog.Plan(ref.PlanID)
	r.setPlan(rec, plan, ref.Period)
	return true
}

// planFromMetadata falls back to the plan chosen at checkout.
func (r *Reconciler) planFromMetadata(rec *Record, metas ...map[string]string) bool {
	for _, m := range metas {
		plan, err := r.catalog.Plan(PlanID(m["planId"]))
		if err != nil {
			continue
		}
		period := BillingPeriod(m["billingPeriod"])
		if !period.Valid() {
			period = PeriodMonthly
		}
		r.setPlan(rec, plan, period)
		return true
	}
	return false
}

func (r *Reconciler) setPlan(rec *Record, plan Plan, period BillingPeriod) {
	rec.PlanID = plan.ID
	rec.PlanName = plan.Name
	rec.BillingPeriod = period
}

// owner finds the user of a subscription the store has not seen yet.
func (r *Reconciler) owner(ctx context.Context, gs *GatewaySubscription) (uuid.UUID, error) {
	userID, ok, err := metadataUserID(gs.Metadata)
	if err != nil || ok {
		return userID, err
	}
	if gs.CustomerID != "" {
		p, err := r.store.ProfileByCustomer(ctx, gs.CustomerID)
		switch {
		case err == nil:
			return p.UserID, nil
		case !errors.Is(err, ErrRecordNotFound):
			return uuid.Nil, storeError("load profile by customer", err)
		}
	}
	return uuid.Nil, fmt.Errorf("%w: no owner for subscription %s", ErrMalformedEvent, gs.ID)
}

func (r *Reconciler) bySubscription(ctx context.Context, subscriptionID string) (*Record, error) {
	rec, err := r.store.SubscriptionByGatewayID(ctx, subscriptionID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load subscription", err)
	}
	return rec, nil
}

func (r *Reconciler) byCustomer(ctx context.Context, customerID string) (*Record, error) {
	rec, err := r.store.SubscriptionByCustomer(ctx, customerID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load subscription by customer", err)
	}
	return rec, nil
}

func (r *Reconciler) save(ctx context.Context, rec *Record) error {
	if err := r.store.UpsertSubscription(ctx, rec); err != nil {
		return storeError("save subscription", err)
	}
	return nil
}

// mirror copies status and plan onto the profile. A canceled record clears
// the plan unless the user has moved on to another live subscription, in
// which case the profile is left alone. An unknown plan leaves it as is.
func (r *Reconciler) mirror(ctx context.Context, rec *Record, planKnown bool) (bool, error) {
	m := ProfileMirror{UserID: rec.UserID, CustomerID: rec.GatewayCustomerID, Status: rec.Status}
	switch {
	case rec.Status == StatusCanceled:
		superseded, err := r.superseded(ctx, rec)
		if err != nil {
			return false, err
		}
		if superseded {
			r.log.InfoContext(ctx, "canceled subscription superseded, profile kept",
				logger.UserID(rec.UserID), logger.SubscriptionID(rec.GatewaySubscriptionID))
			return false, nil
		}
		m.Plan = planRef("")
	case planKnown:
		m.Plan = planRef(rec.PlanID)
	}
	created, err := r.store.MirrorProfile(ctx, m)
	if err != nil {
		return false, storeError("mirror profile", err)
	}
	return created, nil
}

// superseded reports whether the user's current record is a different,
// non-canceled subscription.
func (r *Reconciler) superseded(ctx context.Context, rec *Record) (bool, error) {
	current, err := r.store.SubscriptionByUser(ctx, rec.UserID)
	if errors.Is(err, ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load current subscription", err)
	}
	return current.Status != StatusCanceled && current.GatewaySubscriptionID != rec.GatewaySubscriptionID, nil
}

// notifyCreated sends the confirmation at most once per subscription.
// Failures and profiles without an email are logged and release the claim
// for a later event to retry.
func (r *Reconciler) notifyCreated(ctx context.Context, log *slog.Logger, rec *Record) {
	if rec.Status == StatusCanceled {
		return
	}
	key := "notify:created:" + rec.GatewaySubscriptionID
	claimed, err := r.events.Claim(ctx, key)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim notification", logger.Error(err))
		return
	}
	if !claimed {
		return
	}

	release := func() {
		if err := r.events.Release(context.WithoutCancel(ctx), key); err != nil {
			log.ErrorContext(ctx, "failed to release notification claim", logger.Error(err))
		}
	}

	profile, err := r.store.Profile(ctx, rec.UserID)
	if err != nil {
		log.ErrorContext(ctx, "failed to load profile for notification", logger.UserID(rec.UserID), logger.Error(err))
		r.metrics.notification(OutcomeFailed)
		release()
		return
	}
	if profile.Email == "" {
		log.WarnContext(ctx, "profile has no email, notification skipped",
			logger.UserID(rec.UserID), logger.SubscriptionID(rec.GatewaySubscriptionID))
		r.metrics.notification(OutcomeSkipped)
		release()
		return
	}

	note := Notification{
		UserID:         rec.UserID,
		SubscriptionID: rec.GatewaySubscriptionID,
		Email:          profile.Email,
		PlanName:       rec.PlanName,
		Currency:       r.cfg.Currency,
		BillingPeriod:  rec.BillingPeriod,
		TrialEnd:       rec.TrialEnd,
	}
	if plan, err := r.catalog.Plan(rec.PlanID); err == nil {
		note.PlanPrice = plan.Price(rec.BillingPeriod)
	}

	nctx, cancel := context.WithTimeout(ctx, r.cfg.NotifyTimeout)
	defer cancel()
	if err := r.notifier.SubscriptionCreated(nctx, note); err != nil {
		log.ErrorContext(ctx, "failed to send subscription notification",
			logger.UserID(rec.UserID), logger.SubscriptionID(rec.GatewaySubscriptionID), logger.Error(err))
		r.metrics.notification(OutcomeFailed)
		release()
		return
	}
	r.complete(ctx, log, key)
	r.metrics.notification("sent")
}

// metadataUserID finds the owner in the first map carrying userId or
// user_id. An unparsable id is a malformed event.
func metadataUserID(metas ...map[string]string) (uuid.UUID, bool, error) {
	for _, m := range metas {
		for _, key := range []string{"userId", "user_id"} {
			v := m[key]
			if v == "" {
				continue
			}
			id, err := uuid.Parse(v)
			if err != nil || id == uuid.Nil {
				return uuid.Nil, false, fmt.Errorf("%w: invalid %s %q", ErrMalformedEvent, key, v)
			}
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}
