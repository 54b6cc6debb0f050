package subscription

import (
	"context"

	"github.com/google/uuid"
)

// Store persists subscription records and profiles. Lookups return
// ErrRecordNotFound when nothing matches.
type Store interface {
	// SubscriptionByUser returns the user's current record: the most
	// recently updated non-canceled one, else the most recently updated.
	SubscriptionByUser(ctx context.Context, userID uuid.UUID) (*Record, error)
	SubscriptionByGatewayID(ctx context.Context, subscriptionID string) (*Record, error)
	// SubscriptionByCustomer orders like SubscriptionByUser.
	SubscriptionByCustomer(ctx context.Context, customerID string) (*Record, error)
	// UpsertSubscription inserts or updates by GatewaySubscriptionID.
	UpsertSubscription(ctx context.Context, rec *Record) error

	Profile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	ProfileByCustomer(ctx context.Context, customerID string) (*Profile, error)
	// MirrorProfile creates the profile with RoleClient when absent and
	// otherwise updates the mirrored fields only. Reports whether it created.
	MirrorProfile(ctx context.Context, m ProfileMirror) (created bool, err error)
	// SetProfileCustomerID stores the verified gateway customer id.
	SetProfileCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error
}

// EventLog records processed gateway events and sent notifications.
// Claim takes a processing lease on key and returns false when key is done
// or held by a live lease. Complete marks key done; Release drops it so the
// next Claim wins. A lease that is never completed expires, so a crash
// mid-handler does not turn redeliveries into duplicates.
type EventLog interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}
