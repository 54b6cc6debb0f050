package subscription

import "time"

// Config holds the checkout and reconciliation settings.
type Config struct {
	BaseURL            string        `env:"APP_BASE_URL,required"`
	SuccessPath        string        `env:"BILLING_SUCCESS_PATH" envDefault:"/dashboard?checkout=success&session_id={CHECKOUT_SESSION_ID}"`
	CancelPath         string        `env:"BILLING_CANCEL_PATH" envDefault:"/pricing?checkout=canceled"`
	UpgradeSuccessPath string        `env:"BILLING_UPGRADE_SUCCESS_PATH" envDefault:"/dashboard?upgrade=success"`
	UpgradeCancelPath  string        `env:"BILLING_UPGRADE_CANCEL_PATH" envDefault:"/dashboard?upgrade=canceled"`
	OrderSuccessPath   string        `env:"BILLING_ORDER_SUCCESS_PATH" envDefault:"/shop/success?session_id={CHECKOUT_SESSION_ID}"`
	OrderCancelPath    string        `env:"BILLING_ORDER_CANCEL_PATH" envDefault:"/shop/cart"`
	Currency           string        `env:"BILLING_CURRENCY" envDefault:"usd"`
	DiscountPercent    float64       `env:"BILLING_DISCOUNT_PERCENT"` // zero disables the auto-applied discount
	DiscountCode       string        `env:"BILLING_DISCOUNT_CODE"`
	NotifyTimeout      time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"5s"`

	Prices PriceConfig
}

// PriceConfig lists the gateway price id of every plan and period.
type PriceConfig struct {
	FoundationMonthly  string `env:"STRIPE_PRICE_FOUNDATION_MONTHLY,required"`
	FoundationSixMonth string `env:"STRIPE_PRICE_FOUNDATION_SIX_MONTH,required"`
	FoundationAnnual   string `env:"STRIPE_PRICE_FOUNDATION_ANNUAL,required"`
	GrowthMonthly      string `env:"STRIPE_PRICE_GROWTH_MONTHLY,required"`
	GrowthSixMonth     string `env:"STRIPE_PRICE_GROWTH_SIX_MONTH,required"`
	GrowthAnnual       string `env:"STRIPE_PRICE_GROWTH_ANNUAL,required"`
	EliteMonthly       string `env:"STRIPE_PRICE_ELITE_MONTHLY,required"`
	EliteSixMonth      string `env:"STRIPE_PRICE_ELITE_SIX_MONTH,required"`
	EliteAnnual        string `env:"STRIPE_PRICE_ELITE_ANNUAL,required"`
}

// Table converts the flat env configuration into a PriceTable.
func (p PriceConfig) Table() PriceTable {
	return PriceTable{
		PlanFoundation: {PeriodMonthly: p.FoundationMonthly, PeriodSixMonth: p.FoundationSixMonth, PeriodAnnual: p.FoundationAnnual},
		PlanGrowth:     {PeriodMonthly: p.GrowthMonthly, PeriodSixMonth: p.GrowthSixMonth, PeriodAnnual: p.GrowthAnnual},
		PlanElite:      {PeriodMonthly: p.EliteMonthly, PeriodSixMonth: p.EliteSixMonth, PeriodAnnual: p.EliteAnnual},
	}
}

// DiscountEnabled reports whether an auto-applied discount is configured.
func (c Config) DiscountEnabled() bool {
	return c.DiscountPercent > 0 && c.DiscountPercent <= 100 && c.DiscountCode != ""
}
