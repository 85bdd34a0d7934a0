package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CreditTransactionPurchase   = "purchase"
	CreditTransactionUsage      = "usage"
	CreditTransactionAdjustment = "adjustment"
	CreditTransactionRefund     = "refund"
)

// CreditTransaction is an append-only ledger entry. Amounts are signed:
// purchases and positive adjustments are > 0, usage, refunds and negative
// adjustments are < 0. ExternalPaymentRef is unique when set so the same
// processor payment can never credit an account twice.
type CreditTransaction struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	AccountID          string          `gorm:"type:varchar(64);not null;index" json:"account_id"`
	Type               string          `gorm:"type:varchar(20);not null;index" json:"type"`
	Amount             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	BalanceAfter       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"balance_after"`
	Description        string          `gorm:"type:varchar(255);default:''" json:"description"`
	ExternalPaymentRef *string         `gorm:"type:varchar(191);default:null;index:ux_credit_transactions_payment_ref,unique" json:"external_payment_ref,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}
