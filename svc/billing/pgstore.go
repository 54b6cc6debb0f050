package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/coachbilling/pkg/pg"
	"github.com/dmitrymomot/coachbilling/pkg/subscription"
)

// PostgresStore implements subscription.Store on the profiles and
// subscriptions tables.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresStore bounds every call by cfg.QueryTimeout.
func NewPostgresStore(pool *pgxpool.Pool, cfg pg.Config) *PostgresStore {
	return &PostgresStore{pool: pool, timeout: cfg.QueryTimeout}
}

func (s *PostgresStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

const recordColumns = `user_id, gateway_customer_id, gateway_subscription_id, plan_id, plan_name,
	billing_period, status, current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, trial_start, trial_end, created_at, updated_at`

func (s *PostgresStore) SubscriptionByUser(ctx context.Context, userID uuid.UUID) (*subscription.Record, error) {
	return s.queryRecord(ctx, `SELECT `+recordColumns+` FROM subscriptions
		WHERE user_id = $1 ORDER BY (status = 'canceled'), updated_at DESC LIMIT 1`, userID)
}

func (s *PostgresStore) SubscriptionByGatewayID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	return s.queryRecord(ctx, `SELECT `+recordColumns+` FROM subscriptions
		WHERE gateway_subscription_id = $1`, subscriptionID)
}

func (s *PostgresStore) SubscriptionByCustomer(ctx context.Context, customerID string) (*subscription.Record, error) {
	return s.queryRecord(ctx, `SELECT `+recordColumns+` FROM subscriptions
		WHERE gateway_customer_id = $1 ORDER BY (status = 'canceled'), updated_at DESC LIMIT 1`, customerID)
}

func (s *PostgresStore) queryRecord(ctx context.Context, query string, arg any) (*subscription.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		rec          subscription.Record
		start, end   *time.Time
		plan, period string
		status       string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&rec.UserID, &rec.GatewayCustomerID, &rec.GatewaySubscriptionID, &plan, &rec.PlanName,
		&period, &status, &start, &end, &rec.CancelAtPeriodEnd,
		&rec.CanceledAt, &rec.TrialStart, &rec.TrialEnd, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	rec.PlanID = subscription.PlanID(plan)
	rec.BillingPeriod = subscription.BillingPeriod(period)
	rec.Status = subscription.Status(status)
	if start != nil {
		rec.CurrentPeriodStart = *start
	}
	if end != nil {
		rec.CurrentPeriodEnd = *end
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, rec *subscription.Record) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return translate(s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, gateway_customer_id, gateway_subscription_id, plan_id, plan_name,
			billing_period, status, current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, trial_start, trial_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (gateway_subscription_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			gateway_customer_id = EXCLUDED.gateway_customer_id,
			plan_id = EXCLUDED.plan_id,
			plan_name = EXCLUDED.plan_name,
			billing_period = EXCLUDED.billing_period,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		rec.UserID, rec.GatewayCustomerID, rec.GatewaySubscriptionID, string(rec.PlanID), rec.PlanName,
		string(rec.BillingPeriod), string(rec.Status), nullTime(rec.CurrentPeriodStart), nullTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd, rec.CanceledAt, rec.TrialStart, rec.TrialEnd,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt))
}

const profileColumns = `user_id, email, full_name, role, COALESCE(current_plan, ''),
	COALESCE(subscription_status, ''), COALESCE(gateway_customer_id, ''), created_at, updated_at`

func (s *PostgresStore) Profile(ctx context.Context, userID uuid.UUID) (*subscription.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID)
}

func (s *PostgresStore) ProfileByCustomer(ctx context.Context, customerID string) (*subscription.Profile, error) {
	return s.queryProfile(ctx, `SELECT `+profileColumns+` FROM profiles
		WHERE gateway_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`, customerID)
}

func (s *PostgresStore) queryProfile(ctx context.Context, query string, arg any) (*subscription.Profile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		p            subscription.Profile
		plan, status string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&p.UserID, &p.Email, &p.FullName, &p.Role, &plan, &status, &p.GatewayCustomerID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	p.CurrentPlan = subscription.PlanID(plan)
	p.SubscriptionStatus = subscription.Status(status)
	return &p, nil
}

// MirrorProfile relies on xmax being zero only for freshly inserted rows.
func (s *PostgresStore) MirrorProfile(ctx context.Context, m subscription.ProfileMirror) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var plan *string
	if m.Plan != nil {
		v := string(*m.Plan)
		plan = &v
	}

	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (user_id, role, current_plan, subscription_status, gateway_customer_id)
		VALUES ($1, $2, NULLIF($3::text, ''), $4, NULLIF($5::text, ''))
		ON CONFLICT (user_id) DO UPDATE SET
			subscription_status = EXCLUDED.subscription_status,
			current_plan = CASE WHEN $3::text IS NULL THEN profiles.current_plan ELSE NULLIF($3::text, '') END,
			gateway_customer_id = COALESCE(NULLIF($5::text, ''), profiles.gateway_customer_id),
			updated_at = NOW()
		RETURNING (xmax = 0)`,
		m.UserID, subscription.RoleClient, plan, string(m.Status), m.CustomerID,
	).Scan(&created)
	if err != nil {
		return false, translate(err)
	}
	return created, nil
}

func (s *PostgresStore) SetProfileCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET gateway_customer_id = $2, updated_at = NOW()
		WHERE user_id = $1`, userID, customerID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrRecordNotFound
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case pg.IsNotFoundError(err):
		return subscription.ErrRecordNotFound
	default:
		return errors.Join(ErrQueryFailed, err)
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
