package subscription

import "math"

// Plan is an immutable catalog entry. Prices are display amounts in the
// billing currency's major unit.
type Plan struct {
	ID            PlanID  `yaml:"id"`
	Name          string  `yaml:"name"`
	MonthlyPrice  float64 `yaml:"monthly_price"`
	SixMonthPrice float64 `yaml:"six_month_price"`
	AnnualPrice   float64 `yaml:"annual_price"`
	TrialDays     int     `yaml:"trial_days"`

	priceIDs map[BillingPeriod]string
}

// Price returns the display price charged per period.
func (p Plan) Price(period BillingPeriod) float64 {
	switch period {
	case PeriodSixMonth:
		return p.SixMonthPrice
	case PeriodAnnual:
		return p.AnnualPrice
	default:
		return p.MonthlyPrice
	}
}

// PriceID returns the gateway price reference for period.
func (p Plan) PriceID(period BillingPeriod) (string, bool) {
	id, ok := p.priceIDs[period]
	return id, ok && id != ""
}

// toCents converts a major-unit amount to the smallest currency unit,
// rounding half away from zero.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
