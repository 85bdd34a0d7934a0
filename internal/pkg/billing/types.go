package billing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Error taxonomy for webhook and ledger processing. Callers decide the HTTP
// status from these: signature failures are 400, duplicates and ignorable
// events are acknowledged with 200, storage failures surface as 500 so the
// processor retries.
var (
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrMissingMetadata     = errors.New("event metadata missing required fields")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrDuplicatePaymentRef = errors.New("payment reference already credited")
	ErrUnknownPlan         = errors.New("unknown plan or billing cycle")
	ErrUnknownPackage      = errors.New("unknown credit package")
)

// LedgerAppend is the normalized input for one credit ledger append.
type LedgerAppend struct {
	AccountID          string
	Type               string
	Amount             decimal.Decimal
	Description        string
	ExternalPaymentRef *string
}

// Processing outcomes recorded on the ProcessedEvent row.
const (
	OutcomeProcessed       = "processed"
	OutcomeDuplicate       = "duplicate"
	OutcomeIgnored         = "ignored"
	OutcomeMissingMetadata = "missing_metadata"
	OutcomeNoSubscription  = "no_subscription"
	OutcomeStale           = "stale"
)

// DunningNotifier is the collaborator that delivers payment-failure notices.
// The webhook path only enqueues; delivery happens out of band.
type DunningNotifier interface {
	NotifyPaymentFailed(accountID, email, reason string) error
}
