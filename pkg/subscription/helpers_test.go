package subscription_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/coachbilling/pkg/subscription"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetCustomer(ctx context.Context, id string) (*subscription.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Customer), args.Error(1)
}

func (m *mockGateway) FindCustomersByEmail(ctx context.Context, email string) ([]subscription.Customer, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]subscription.Customer), args.Error(1)
}

func (m *mockGateway) CreateCustomer(ctx context.Context, params subscription.CustomerParams) (*subscription.Customer, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Customer), args.Error(1)
}

func (m *mockGateway) GetSubscription(ctx context.Context, id string) (*subscription.GatewaySubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.GatewaySubscription), args.Error(1)
}

func (m *mockGateway) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, itemID, priceID string) (*subscription.GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID, itemID, priceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.GatewaySubscription), args.Error(1)
}

func (m *mockGateway) CreateCoupon(ctx context.Context, params subscription.CouponParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) FindPromotionCode(ctx context.Context, code string) (string, error) {
	args := m.Called(ctx, code)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreatePromotionCode(ctx context.Context, couponID, code string) (string, error) {
	args := m.Called(ctx, couponID, code)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreatePrice(ctx context.Context, params subscription.PriceParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params subscription.SessionParams) (*subscription.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.CheckoutSession), args.Error(1)
}

func (m *mockGateway) GetCheckoutSession(ctx context.Context, id string) (*subscription.CheckoutSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.CheckoutSession), args.Error(1)
}

func (m *mockGateway) ParseEvent(payload []byte, signature string) (*subscription.Event, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Event), args.Error(1)
}

// fakeStore is an in-memory Store with failure injection.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]subscription.Record
	profiles map[uuid.UUID]subscription.Profile
	failWith error
	upserts  int

	failOnUserLookup error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]subscription.Record),
		profiles: make(map[uuid.UUID]subscription.Profile),
	}
}

func (s *fakeStore) latest(match func(subscription.Record) bool) (*subscription.Record, error) {
	var found *subscription.Record
	for _, r := range s.records {
		if match(r) && (found == nil || preferred(r, *found)) {
			found = &r
		}
	}
	if found == nil {
		return nil, subscription.ErrRecordNotFound
	}
	return found, nil
}

// preferred orders live records before canceled ones, then newest first.
func preferred(a, b subscription.Record) bool {
	if ac, bc := a.Status == subscription.StatusCanceled, b.Status == subscription.StatusCanceled; ac != bc {
		return bc
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func (s *fakeStore) SubscriptionByUser(ctx context.Context, userID uuid.UUID) (*subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if s.failOnUserLookup != nil {
		return nil, s.failOnUserLookup
	}
	return s.latest(func(r subscription.Record) bool { return r.UserID == userID })
}

func (s *fakeStore) SubscriptionByGatewayID(ctx context.Context, id string) (*subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	r, ok := s.records[id]
	if !ok {
		return nil, subscription.ErrRecordNotFound
	}
	return &r, nil
}

func (s *fakeStore) SubscriptionByCustomer(ctx context.Context, customerID string) (*subscription.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.latest(func(r subscription.Record) bool { return r.GatewayCustomerID == customerID })
}

func (s *fakeStore) UpsertSubscription(ctx context.Context, rec *subscription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.upserts++
	now := time.Now().Add(time.Duration(s.upserts) * time.Millisecond)
	if prev, ok := s.records[rec.GatewaySubscriptionID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.GatewaySubscriptionID] = *rec
	return nil
}

func (s *fakeStore) Profile(ctx context.Context, userID uuid.UUID) (*subscription.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, subscription.ErrRecordNotFound
	}
	return &p, nil
}

func (s *fakeStore) ProfileByCustomer(ctx context.Context, customerID string) (*subscription.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, p := range s.profiles {
		if p.GatewayCustomerID == customerID {
			return &p, nil
		}
	}
	return nil, subscription.ErrRecordNotFound
}

func (s *fakeStore) MirrorProfile(ctx context.Context, m subscription.ProfileMirror) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	p, exists := s.profiles[m.UserID]
	if !exists {
		p = subscription.Profile{UserID: m.UserID, Role: subscription.RoleClient}
	}
	p.SubscriptionStatus = m.Status
	if m.CustomerID != "" {
		p.GatewayCustomerID = m.CustomerID
	}
	if m.Plan != nil {
		p.CurrentPlan = *m.Plan
	}
	s.profiles[m.UserID] = p
	return !exists, nil
}

func (s *fakeStore) SetProfileCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	p := s.profiles[userID]
	p.UserID = userID
	p.GatewayCustomerID = customerID
	s.profiles[userID] = p
	return nil
}

func (s *fakeStore) addProfile(p subscription.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *fakeStore) addRecord(r subscription.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.GatewaySubscriptionID] = r
}

func (s *fakeStore) record(t *testing.T, id string) subscription.Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	require.True(t, ok, "record %s not stored", id)
	return r
}

func (s *fakeStore) profile(t *testing.T, id uuid.UUID) subscription.Profile {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	require.True(t, ok, "profile %s not stored", id)
	return p
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeEventLog maps claimed keys to whether they were completed.
type fakeEventLog struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{claimed: make(map[string]bool)}
}

func (l *fakeEventLog) Claim(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claimed[key]; ok {
		return false, nil
	}
	l.claimed[key] = false
	return true, nil
}

func (l *fakeEventLog) Complete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimed[key] = true
	return nil
}

func (l *fakeEventLog) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claimed, key)
	return nil
}

func (l *fakeEventLog) has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.claimed[key]
	return ok
}

func (l *fakeEventLog) done(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimed[key]
}

// priceID names the test price of a plan and period, e.g. price_growth_monthly.
func priceID(plan subscription.PlanID, period subscription.BillingPeriod) string {
	return fmt.Sprintf("price_%s_%s", plan, period)
}

func testPrices() subscription.PriceTable {
	table := subscription.PriceTable{}
	for _, plan := range []subscription.PlanID{subscription.PlanFoundation, subscription.PlanGrowth, subscription.PlanElite} {
		table[plan] = map[subscription.BillingPeriod]string{}
		for _, period := range subscription.BillingPeriods {
			table[plan][period] = priceID(plan, period)
		}
	}
	return table
}

func testCatalog(t *testing.T) *subscription.Catalog {
	t.Helper()
	c, err := subscription.DefaultCatalog(testPrices())
	require.NoError(t, err)
	return c
}

func testConfig() subscription.Config {
	return subscription.Config{
		BaseURL:            "https://coach.example.com",
		SuccessPath:        "/dashboard?checkout=success",
		CancelPath:         "/pricing",
		UpgradeSuccessPath: "/dashboard?upgrade=success",
		UpgradeCancelPath:  "/dashboard",
		OrderSuccessPath:   "/shop/success",
		OrderCancelPath:    "/shop/cart",
		Currency:           "usd",
		NotifyTimeout:      time.Second,
	}
}

type testEnv struct {
	gateway *mockGateway
	store   *fakeStore
	events  *fakeEventLog
	svc     subscription.Service
}

func newTestEnv(t *testing.T, cfg subscription.Config, opts ...subscription.ServiceOption) *testEnv {
	t.Helper()
	env := &testEnv{
		gateway: &mockGateway{},
		store:   newFakeStore(),
		events:  newFakeEventLog(),
	}
	env.svc = subscription.NewService(cfg, testCatalog(t), env.gateway, env.store, env.events, opts...)
	t.Cleanup(func() { env.gateway.AssertExpectations(t) })
	return env
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
