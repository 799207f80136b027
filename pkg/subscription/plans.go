package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PlanCatalog resolves plan ids to plans.
type PlanCatalog interface {
	// GetPlan returns the plan or an error wrapping ErrInvalidPlan.
	GetPlan(ctx context.Context, planID string) (*Plan, error)
}

// StaticCatalog is an in-process PlanCatalog loaded from configuration.
type StaticCatalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewStaticCatalog creates a catalog from the given plans.
func NewStaticCatalog(plans ...Plan) *StaticCatalog {
	c := &StaticCatalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.PlanID] = p
	}
	return c
}

func (c *StaticCatalog) GetPlan(_ context.Context, planID string) (*Plan, error) {
	c.mu.RLock()
	p, ok := c.plans[strings.TrimSpace(planID)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, planID)
	}
	return &p, nil
}

// Set adds or replaces a plan.
func (c *StaticCatalog) Set(p Plan) {
	c.mu.Lock()
	c.plans[p.PlanID] = p
	c.mu.Unlock()
}

// DefaultPlans returns the standard plan set. Gateway plan ids are left empty
// and must be filled from configuration before checkout can work.
func DefaultPlans() []Plan {
	return []Plan{
		{PlanID: string(PlanOneMonth), Name: "Monthly", Amount: 49900, BillingPeriod: 1, TotalMonths: 1, IsActive: true},
		{PlanID: string(PlanThreeMonths), Name: "Quarterly", Amount: 134900, BillingPeriod: 3, TotalMonths: 3, IsActive: true},
		{PlanID: string(PlanSixMonths), Name: "Half-yearly", Amount: 249900, BillingPeriod: 6, BonusMonths: 1, TotalMonths: 7, IsActive: true},
		{PlanID: string(PlanTwelveMonths), Name: "Yearly", Amount: 449900, BillingPeriod: 12, BonusMonths: 2, TotalMonths: 14, IsActive: true},
	}
}

var planTypeMonths = map[PlanType]int{
	PlanOneMonth:     1,
	PlanThreeMonths:  3,
	PlanSixMonths:    6,
	PlanTwelveMonths: 12,
}

// MonthsForPlanType is the last-resort billing period lookup.
func MonthsForPlanType(pt PlanType) (int, bool) {
	m, ok := planTypeMonths[pt]
	return m, ok
}

func billingCycleLabel(months int) string {
	switch months {
	case 1:
		return CycleMonthly
	case 3:
		return CycleQuarterly
	case 6:
		return CycleHalfYearly
	case 12:
		return CycleYearly
	default:
		return fmt.Sprintf("%d_months", months)
	}
}

// totalCount is the number of billing cycles requested from the gateway.
func totalCount(budget, billingPeriod int) int {
	if billingPeriod <= 0 {
		billingPeriod = 1
	}
	n := budget / billingPeriod
	if n < 1 {
		n = 1
	}
	return n
}
