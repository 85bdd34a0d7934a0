package billing

import (
	"strings"
	"time"

	"github.com/prospectly/prospectly/app/models"
	"github.com/shopspring/decimal"
)

// TrialWindow is the grace period granted on subscription creation before the
// first payment settles.
const TrialWindow = 3 * 24 * time.Hour

// PlanPrice is the authoritative server-side price entry for one plan/cycle
// combination. Client-supplied prices are never trusted; both the checkout
// initiator and the webhook path resolve through this table.
type PlanPrice struct {
	PlanName string
	Monthly  decimal.Decimal
	Annual   decimal.Decimal
}

// CreditPackage is a one-time credit purchase offering.
type CreditPackage struct {
	ID      string
	Credits decimal.Decimal
	Price   decimal.Decimal
}

var planPrices = map[string]PlanPrice{
	models.PlanStarter: {
		PlanName: models.PlanStarter,
		Monthly:  decimal.NewFromInt(97),
		Annual:   decimal.NewFromInt(970),
	},
	models.PlanProfessional: {
		PlanName: models.PlanProfessional,
		Monthly:  decimal.NewFromInt(197),
		Annual:   decimal.NewFromInt(1970),
	},
	models.PlanEnterprise: {
		PlanName: models.PlanEnterprise,
		Monthly:  decimal.NewFromInt(497),
		Annual:   decimal.NewFromInt(4970),
	},
}

var creditPackages = map[string]CreditPackage{
	"p1": {ID: "p1", Credits: decimal.NewFromInt(100), Price: decimal.NewFromInt(49)},
	"p2": {ID: "p2", Credits: decimal.NewFromInt(500), Price: decimal.NewFromInt(199)},
	"p3": {ID: "p3", Credits: decimal.NewFromInt(2000), Price: decimal.NewFromInt(599)},
}

func normalizePlan(plan string) string {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case models.PlanStarter:
		return models.PlanStarter
	case models.PlanProfessional:
		return models.PlanProfessional
	case models.PlanEnterprise:
		return models.PlanEnterprise
	default:
		return ""
	}
}

func normalizeCycle(cycle string) string {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case models.BillingCycleMonthly, "month":
		return models.BillingCycleMonthly
	case models.BillingCycleAnnual, "year", "yearly":
		return models.BillingCycleAnnual
	default:
		return ""
	}
}

// ResolvePlanPrice returns the server-side price for a plan and billing cycle.
func ResolvePlanPrice(plan, cycle string) (string, string, decimal.Decimal, bool) {
	p := normalizePlan(plan)
	c := normalizeCycle(cycle)
	if p == "" || c == "" {
		return "", "", decimal.Zero, false
	}
	entry := planPrices[p]
	if c == models.BillingCycleAnnual {
		return p, c, entry.Annual, true
	}
	return p, c, entry.Monthly, true
}

// ResolveCreditPackage returns the credit package for a package id.
func ResolveCreditPackage(packageID string) (CreditPackage, bool) {
	pkg, ok := creditPackages[strings.TrimSpace(packageID)]
	return pkg, ok
}
