package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditBalance is the per-account running total derived from the credit
// transaction ledger. It is only ever mutated inside the same database
// transaction that appends the ledger entry, so
// balance == total_purchased - total_used holds at all times.
type CreditBalance struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	AccountID      string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_credit_balances_account" json:"account_id"`
	Balance        decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"balance"`
	TotalPurchased decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_purchased"`
	TotalUsed      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total_used"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
