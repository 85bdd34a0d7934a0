package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
)

const (
	BillingCycleMonthly = "monthly"
	BillingCycleAnnual  = "annual"
)

const (
	SubscriptionStatusTrialing  = "trialing"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

// Subscription mirrors the payment processor's subscription state for one
// account. There is at most one row per account; cancellation is a status
// transition, never a delete.
type Subscription struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	AccountID              string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_subscriptions_account" json:"account_id"`
	AccountEmail           string          `gorm:"type:varchar(200);default:''" json:"account_email"`
	PlanName               string          `gorm:"type:varchar(50);not null" json:"plan_name"`
	Status                 string          `gorm:"type:varchar(32);not null;default:'trialing';index" json:"status"`
	BillingCycle           string          `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`
	Price                  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"price"`
	ExternalCustomerID     string          `gorm:"type:varchar(191);default:'';index" json:"external_customer_id"`
	ExternalSubscriptionID *string         `gorm:"type:varchar(191);default:null;index:ux_subscriptions_external_sub,unique" json:"external_subscription_id,omitempty"`
	TrialEndDate           *time.Time      `gorm:"type:timestamp;default:null" json:"trial_end_date,omitempty"`
	CurrentPeriodStart     *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelledAt            *time.Time      `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	LastEventAt            *time.Time      `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription reached an end state.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusExpired
}
