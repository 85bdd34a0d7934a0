package entitlements

import (
	"github.com/prospectly/prospectly/app/models"
)

// Entitlements are the feature allowances a plan grants. They are derived,
// never stored: plan changes take effect on the next lookup.
type Entitlements struct {
	SearchesPerMonth int  `json:"searchesPerMonth"`
	MaxSeats         int  `json:"maxSeats"`
	APIAccess        bool `json:"apiAccess"`
	ExportEnabled    bool `json:"exportEnabled"`
	PrioritySupport  bool `json:"prioritySupport"`
}

// ForPlan returns the allowances for a plan name. Unknown plans get the
// unsubscribed baseline.
func ForPlan(plan string) Entitlements {
	switch plan {
	case models.PlanEnterprise:
		return Entitlements{
			SearchesPerMonth: 10000,
			MaxSeats:         25,
			APIAccess:        true,
			ExportEnabled:    true,
			PrioritySupport:  true,
		}
	case models.PlanProfessional:
		return Entitlements{
			SearchesPerMonth: 2000,
			MaxSeats:         5,
			APIAccess:        true,
			ExportEnabled:    true,
		}
	case models.PlanStarter:
		return Entitlements{
			SearchesPerMonth: 500,
			MaxSeats:         1,
			ExportEnabled:    true,
		}
	default:
		return Entitlements{}
	}
}

// ForSubscription combines the plan allowances with the subscription state.
// Trialing and active subscriptions get the full plan; past_due keeps its
// allowances while dunning runs; terminal states fall back to the baseline.
func ForSubscription(sub *models.Subscription) Entitlements {
	if sub == nil || sub.IsTerminal() {
		return Entitlements{}
	}
	return ForPlan(sub.PlanName)
}
