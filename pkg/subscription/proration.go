package subscription

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Quote is the prorated charge for switching plans mid-cycle.
// It is never persisted; Upgrade embeds it in the session metadata.
type Quote struct {
	FromPlan        PlanID
	ToPlan          PlanID
	RemainingDays   int
	TotalDays       int
	RemainingRatio  float64
	CurrentProrated float64
	NewProrated     float64
	ProratedAmount  float64
	AmountCents     int64
}

// Prorate charges the difference of the monthly prices over the remaining
// share of the current period. Days are rounded up and a downgrade costs
// nothing. The monthly price is used whatever the period length.
func Prorate(current, target Plan, periodStart, periodEnd, now time.Time) Quote {
	total := ceilDays(periodEnd.Sub(periodStart))
	remaining := ceilDays(periodEnd.Sub(now))

	var ratio float64
	if total > 0 {
		ratio = max(0, float64(remaining)/float64(total))
	}

	q := Quote{
		FromPlan:        current.ID,
		ToPlan:          target.ID,
		RemainingDays:   remaining,
		TotalDays:       total,
		RemainingRatio:  ratio,
		CurrentProrated: current.MonthlyPrice * ratio,
		NewProrated:     target.MonthlyPrice * ratio,
	}
	q.ProratedAmount = q.NewProrated - q.CurrentProrated
	if q.ProratedAmount > 0 {
		q.AmountCents = toCents(q.ProratedAmount)
	}
	return q
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(day)))
}
