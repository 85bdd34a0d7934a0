package billing

import (
	"errors"
	"time"

	"github.com/prospectly/prospectly/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionRef identifies a subscription row by whichever reference the
// event carries. Lookup order: external subscription id, account id, external
// customer id.
type SubscriptionRef struct {
	AccountID              string
	ExternalSubscriptionID string
	ExternalCustomerID     string
}

// Repository provides DB operations used by the billing service. All mutating
// operations are atomic; subscription and ledger mutations for the same
// account serialize on row locks.
type Repository interface {
	AdmitEvent(event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error)
	MarkEventProcessed(id uint, outcome string, processingErr error) error

	GetSubscriptionByAccount(accountID string) (*models.Subscription, error)
	CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error)
	MutateSubscription(ref SubscriptionRef, apply func(*models.Subscription) (bool, error)) (*models.Subscription, error)
	ExpireTrialsBefore(cutoff time.Time) (int64, error)

	AppendTransaction(in LedgerAppend) (*models.CreditTransaction, error)
	GetBalance(accountID string) (*models.CreditBalance, error)
	ListTransactions(accountID string, limit int) ([]models.CreditTransaction, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// AdmitEvent reserves an external event id with an insert-or-ignore. It
// returns admitted=true when the row was freshly created or when a previous
// attempt recorded a processing error (the processor retries after a 5xx and
// the retry must run again).
func (r *gormRepository) AdmitEvent(event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.ProcessedEvent
	if err := r.db.Where("external_event_id = ?", event.ExternalEventID).First(&stored).Error; err != nil {
		return false, nil, err
	}

	admitted := created || stored.ProcessingError != ""
	return admitted, &stored, nil
}

func (r *gormRepository) MarkEventProcessed(id uint, outcome string, processingErr error) error {
	now := time.Now()
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return r.db.Model(&models.ProcessedEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"outcome":          outcome,
		"processed_at":     &now,
		"processing_error": errMsg,
	}).Error
}

func (r *gormRepository) GetSubscriptionByAccount(accountID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("account_id = ?", accountID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscriptionIfAbsent inserts the subscription unless the account
// already has a row. Returns created=false with the existing row otherwise.
func (r *gormRepository) CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Subscription
	if err := r.db.Where("account_id = ?", sub.AccountID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// MutateSubscription loads the referenced subscription under a row lock,
// applies the transition and saves when apply reports a change. Concurrent
// transitions for the same account serialize here.
func (r *gormRepository) MutateSubscription(ref SubscriptionRef, apply func(*models.Subscription) (bool, error)) (*models.Subscription, error) {
	var out *models.Subscription
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"})
		switch {
		case ref.ExternalSubscriptionID != "":
			q = q.Where("external_subscription_id = ?", ref.ExternalSubscriptionID)
		case ref.AccountID != "":
			q = q.Where("account_id = ?", ref.AccountID)
		case ref.ExternalCustomerID != "":
			q = q.Where("external_customer_id = ?", ref.ExternalCustomerID)
		default:
			return gorm.ErrRecordNotFound
		}
		if err := q.First(&sub).Error; err != nil {
			return err
		}

		changed, err := apply(&sub)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.Save(&sub).Error; err != nil {
				return err
			}
		}
		out = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireTrialsBefore moves trialing subscriptions whose trial window ended
// before cutoff to expired. Returns the number of rows transitioned.
func (r *gormRepository) ExpireTrialsBefore(cutoff time.Time) (int64, error) {
	now := time.Now()
	tx := r.db.Model(&models.Subscription{}).
		Where("status = ? AND trial_end_date IS NOT NULL AND trial_end_date < ?", models.SubscriptionStatusTrialing, cutoff).
		Updates(map[string]interface{}{
			"status":        models.SubscriptionStatusExpired,
			"last_event_at": &now,
		})
	return tx.RowsAffected, tx.Error
}

// AppendTransaction appends one ledger entry and updates the balance row in a
// single database transaction. The balance row is locked first, so concurrent
// appends for the same account serialize instead of interleaving.
func (r *gormRepository) AppendTransaction(in LedgerAppend) (*models.CreditTransaction, error) {
	var out *models.CreditTransaction
	err := r.db.Transaction(func(tx *gorm.DB) error {
		bal, err := lockOrCreateBalance(tx, in.AccountID)
		if err != nil {
			return err
		}

		if in.ExternalPaymentRef != nil && *in.ExternalPaymentRef != "" {
			var existing models.CreditTransaction
			err := tx.Where("external_payment_ref = ?", *in.ExternalPaymentRef).First(&existing).Error
			if err == nil {
				return ErrDuplicatePaymentRef
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		amount := in.Amount
		newBalance := bal.Balance.Add(amount)
		if newBalance.IsNegative() {
			switch in.Type {
			case models.CreditTransactionRefund:
				// Refunds claw back at most what is left on the balance.
				amount = bal.Balance.Neg()
				newBalance = decimal.Zero
			default:
				return ErrInsufficientBalance
			}
		}

		entry := &models.CreditTransaction{
			AccountID:          in.AccountID,
			Type:               in.Type,
			Amount:             amount,
			BalanceAfter:       newBalance,
			Description:        in.Description,
			ExternalPaymentRef: in.ExternalPaymentRef,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_payment_ref"}},
			DoNothing: true,
		}).Create(entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicatePaymentRef
		}

		if amount.IsPositive() {
			bal.TotalPurchased = bal.TotalPurchased.Add(amount)
		} else {
			bal.TotalUsed = bal.TotalUsed.Add(amount.Neg())
		}
		bal.Balance = newBalance
		if err := tx.Save(bal).Error; err != nil {
			return err
		}

		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lockOrCreateBalance(tx *gorm.DB, accountID string) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).First(&bal).Error
	if err == nil {
		return &bal, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Lazily create the zero row, then re-acquire the lock. The insert may
	// lose a race to a concurrent append, which the OnConflict absorbs.
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(&models.CreditBalance{AccountID: accountID}).Error; err != nil {
		return nil, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).First(&bal).Error; err != nil {
		return nil, err
	}
	return &bal, nil
}

func (r *gormRepository) GetBalance(accountID string) (*models.CreditBalance, error) {
	var bal models.CreditBalance
	err := r.db.Where("account_id = ?", accountID).First(&bal).Error
	if err == nil {
		return &bal, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No ledger activity yet: report the zero balance without creating it.
		return &models.CreditBalance{
			AccountID:      accountID,
			Balance:        decimal.Zero,
			TotalPurchased: decimal.Zero,
			TotalUsed:      decimal.Zero,
		}, nil
	}
	return nil, err
}

func (r *gormRepository) ListTransactions(accountID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []models.CreditTransaction
	err := r.db.Where("account_id = ?", accountID).
		Order("id DESC").Limit(limit).Find(&txs).Error
	return txs, err
}
