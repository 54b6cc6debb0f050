package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/coachbilling/pkg/subscription"
)

// MemoryStore is an in-process subscription.Store for development and tests.
// Values are copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]subscription.Record
	profiles map[uuid.UUID]subscription.Profile
	now      func() time.Time
}

// NewMemoryStore returns an empty store seeded with profiles.
func NewMemoryStore(profiles ...subscription.Profile) *MemoryStore {
	s := &MemoryStore{
		records:  make(map[string]subscription.Record),
		profiles: make(map[uuid.UUID]subscription.Profile, len(profiles)),
		now:      time.Now,
	}
	for _, p := range profiles {
		s.profiles[p.UserID] = p
	}
	return s
}

// WithClock replaces the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) SubscriptionByUser(_ context.Context, userID uuid.UUID) (*subscription.Record, error) {
	return s.latest(func(r subscription.Record) bool { return r.UserID == userID })
}

func (s *MemoryStore) SubscriptionByGatewayID(_ context.Context, subscriptionID string) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[subscriptionID]
	if !ok {
		return nil, subscription.ErrRecordNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) SubscriptionByCustomer(_ context.Context, customerID string) (*subscription.Record, error) {
	return s.latest(func(r subscription.Record) bool { return r.GatewayCustomerID == customerID })
}

// latest prefers non-canceled records, then the most recently updated.
func (s *MemoryStore) latest(match func(subscription.Record) bool) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *subscription.Record
	for _, rec := range s.records {
		if !match(rec) {
			continue
		}
		if found == nil || ranksBefore(rec, *found) {
			found = &rec
		}
	}
	if found == nil {
		return nil, subscription.ErrRecordNotFound
	}
	return found, nil
}

func (s *MemoryStore) UpsertSubscription(_ context.Context, rec *subscription.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := *rec
	stored.CreatedAt = now
	if existing, ok := s.records[rec.GatewaySubscriptionID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	stored.UpdatedAt = now
	s.records[rec.GatewaySubscriptionID] = stored

	rec.CreatedAt, rec.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *MemoryStore) Profile(_ context.Context, userID uuid.UUID) (*subscription.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, subscription.ErrRecordNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ProfileByCustomer(_ context.Context, customerID string) (*subscription.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if customerID != "" && p.GatewayCustomerID == customerID {
			return &p, nil
		}
	}
	return nil, subscription.ErrRecordNotFound
}

func (s *MemoryStore) MirrorProfile(_ context.Context, m subscription.ProfileMirror) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p, exists := s.profiles[m.UserID]
	if !exists {
		p = subscription.Profile{UserID: m.UserID, Role: subscription.RoleClient, CreatedAt: now}
	}
	p.SubscriptionStatus = m.Status
	if m.Plan != nil {
		p.CurrentPlan = *m.Plan
	}
	if m.CustomerID != "" {
		p.GatewayCustomerID = m.CustomerID
	}
	p.UpdatedAt = now
	s.profiles[m.UserID] = p
	return !exists, nil
}

func (s *MemoryStore) SetProfileCustomerID(_ context.Context, userID uuid.UUID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return subscription.ErrRecordNotFound
	}
	p.GatewayCustomerID = customerID
	p.UpdatedAt = s.now()
	s.profiles[userID] = p
	return nil
}

// Records returns a snapshot of every stored record.
func (s *MemoryStore) Records() []subscription.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]subscription.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// ranksBefore reports whether a should be returned ahead of b.
func ranksBefore(a, b subscription.Record) bool {
	aCanceled, bCanceled := a.Status == subscription.StatusCanceled, b.Status == subscription.StatusCanceled
	if aCanceled != bCanceled {
		return bCanceled
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
