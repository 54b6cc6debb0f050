package subscription

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlansYAML []byte

// PriceTable maps plan and billing period to a gateway price id.
type PriceTable map[PlanID]map[BillingPeriod]string

// PriceRef is the reverse lookup result for a gateway price id.
type PriceRef struct {
	PlanID PlanID
	Period BillingPeriod
}

// Catalog is the read-only set of plans with their price references.
// Built once at startup and safe for concurrent use.
type Catalog struct {
	plans   map[PlanID]Plan
	order   []PlanID
	byPrice map[string]PriceRef
}

// DefaultCatalog builds the catalog from the embedded plan definitions.
func DefaultCatalog(prices PriceTable) (*Catalog, error) {
	return LoadCatalog(defaultPlansYAML, prices)
}

// LoadCatalog parses YAML plan definitions and binds them to prices.
func LoadCatalog(data []byte, prices PriceTable) (*Catalog, error) {
	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return NewCatalog(doc.Plans, prices)
}

// NewCatalog validates that every plan has a positive monthly price and a
// distinct price id for every billing period.
func NewCatalog(plans []Plan, prices PriceTable) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no plans defined", ErrInvalidCatalog)
	}

	c := &Catalog{
		plans:   make(map[PlanID]Plan, len(plans)),
		byPrice: make(map[string]PriceRef, len(plans)*len(BillingPeriods)),
	}

	for _, p := range plans {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("%w: plan id and name are required", ErrInvalidCatalog)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %q", ErrInvalidCatalog, p.ID)
		}
		if p.MonthlyPrice <= 0 || p.TrialDays < 0 {
			return nil, fmt.Errorf("%w: plan %q has invalid price or trial days", ErrInvalidCatalog, p.ID)
		}

		p.priceIDs = make(map[BillingPeriod]string, len(BillingPeriods))
		for _, period := range BillingPeriods {
			priceID := prices[p.ID][period]
			if priceID == "" {
				return nil, fmt.Errorf("%w: missing price id for %s/%s", ErrInvalidCatalog, p.ID, period)
			}
			if other, dup := c.byPrice[priceID]; dup {
				return nil, fmt.Errorf("%w: price id %q used by %s/%s and %s/%s",
					ErrInvalidCatalog, priceID, other.PlanID, other.Period, p.ID, period)
			}
			p.priceIDs[period] = priceID
			c.byPrice[priceID] = PriceRef{PlanID: p.ID, Period: period}
		}

		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}

	for planID := range prices {
		if _, ok := c.plans[planID]; !ok {
			return nil, fmt.Errorf("%w: prices configured for unknown plan %q", ErrInvalidCatalog, planID)
		}
	}

	return c, nil
}

// Plan returns the plan with the given id or ErrPlanNotFound.
func (c *Catalog) Plan(id PlanID) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p, nil
}

// Plans returns all plans in definition order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// PlanIDs returns the catalog's plan ids in definition order.
func (c *Catalog) PlanIDs() []string {
	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, string(id))
	}
	return out
}

// ResolvePrice maps a gateway price id back to its plan and period.
func (c *Catalog) ResolvePrice(priceID string) (PriceRef, bool) {
	ref, ok := c.byPrice[priceID]
	return ref, ok
}

// HasPlan reports whether id is in the catalog.
func (c *Catalog) HasPlan(id PlanID) bool {
	return slices.Contains(c.order, id)
}
