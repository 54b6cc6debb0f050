package subscription

// Status is the locally mirrored subscription status.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Upgradable reports whether a subscription in this status may change plan.
func (s Status) Upgradable() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// PlanID identifies a catalog plan.
type PlanID string

const (
	PlanFoundation PlanID = "foundation"
	PlanGrowth     PlanID = "growth"
	PlanElite      PlanID = "elite"
)

// BillingPeriod is the recurring interval a price is charged on.
type BillingPeriod string

const (
	PeriodMonthly  BillingPeriod = "monthly"
	PeriodSixMonth BillingPeriod = "six_month"
	PeriodAnnual   BillingPeriod = "annual"
)

// BillingPeriods lists every supported period in display order.
var BillingPeriods = []BillingPeriod{PeriodMonthly, PeriodSixMonth, PeriodAnnual}

func (p BillingPeriod) Valid() bool {
	switch p {
	case PeriodMonthly, PeriodSixMonth, PeriodAnnual:
		return true
	}
	return false
}

// RoleClient is assigned to profiles created from subscription events.
const RoleClient = "client"
