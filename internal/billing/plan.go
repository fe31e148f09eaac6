package billing

import (
	"time"

	"github.com/PortNumber53/mealplan-billing/internal/models"
)

// Plan inference thresholds in minor currency units. They assume EUR cents
// and are not currency aware.
const (
	DefaultYearlyThreshold    int64 = 2000
	DefaultQuarterlyThreshold int64 = 500
)

// PlanPolicy maps checkout amounts to plans and plans to durations.
type PlanPolicy struct {
	YearlyThreshold    int64
	QuarterlyThreshold int64
}

// DefaultPlanPolicy returns the production thresholds.
func DefaultPlanPolicy() PlanPolicy {
	return PlanPolicy{
		YearlyThreshold:    DefaultYearlyThreshold,
		QuarterlyThreshold: DefaultQuarterlyThreshold,
	}
}

// InferPlan picks a plan from the amount paid.
func (p PlanPolicy) InferPlan(amountTotal int64) models.PlanID {
	switch {
	case amountTotal >= p.YearlyThreshold:
		return models.PlanYearly
	case amountTotal >= p.QuarterlyThreshold:
		return models.PlanQuarterly
	default:
		return models.PlanMonthly
	}
}

// ResolvePlan prefers an explicit plan from checkout metadata. The boolean is
// true when the plan came from metadata.
func (p PlanPolicy) ResolvePlan(metadataPlan string, amountTotal int64) (models.PlanID, bool) {
	if plan := models.PlanID(metadataPlan); plan.Valid() {
		return plan, true
	}
	return p.InferPlan(amountTotal), false
}

// ExpiresAt adds the plan length to start using calendar arithmetic. Day
// overflow normalises forward, so Jan 31 plus one month is Mar 3 (Mar 2 in
// leap years).
func ExpiresAt(plan models.PlanID, start time.Time) time.Time {
	switch plan {
	case models.PlanYearly:
		return start.AddDate(1, 0, 0)
	case models.PlanQuarterly:
		return start.AddDate(0, 3, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}
