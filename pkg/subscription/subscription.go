package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Record is the local mirror of one gateway subscription.
// GatewaySubscriptionID is the upsert key; records are never deleted.
type Record struct {
	UserID                uuid.UUID
	GatewayCustomerID     string
	GatewaySubscriptionID string
	PlanID                PlanID
	PlanName              string
	BillingPeriod         BillingPeriod
	Status                Status
	CurrentPeriodStart    time.Time
	CurrentPeriodEnd      time.Time
	CancelAtPeriodEnd     bool
	CanceledAt            *time.Time
	TrialStart            *time.Time
	TrialEnd              *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Profile is the denormalized user projection read by the rest of the app.
type Profile struct {
	UserID             uuid.UUID
	Email              string
	FullName           string
	Role               string
	CurrentPlan        PlanID
	SubscriptionStatus Status
	GatewayCustomerID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ProfileMirror is the set of subscription facts copied onto a profile.
// Plan nil leaves current_plan unchanged; a pointer to "" clears it.
// An empty CustomerID leaves the stored customer id unchanged.
type ProfileMirror struct {
	UserID     uuid.UUID
	CustomerID string
	Status     Status
	Plan       *PlanID
}

func planRef(id PlanID) *PlanID { return &id }
