package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/prospectly/prospectly/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EventReserver is a best-effort fast path in front of the durable
// idempotency guard. Reserve returning false short-circuits a redelivery
// without touching the database; errors degrade to the DB guard.
type EventReserver interface {
	Reserve(eventID string) bool
	Release(eventID string)
}

// Service turns verified processor events into durable subscription and
// ledger state. Collaborators may be nil: without a processor client checkout
// creation fails, without a notifier dunning notices are skipped, without a
// reserver admission goes straight to the database.
type Service struct {
	repo      Repository
	processor ProcessorClient
	notifier  DunningNotifier
	reserver  EventReserver
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, processor ProcessorClient, notifier DunningNotifier, reserver EventReserver) *Service {
	return &Service{repo: repo, processor: processor, notifier: notifier, reserver: reserver}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, processor ProcessorClient, notifier DunningNotifier, reserver EventReserver) *Service {
	return NewService(NewRepository(db), processor, notifier, reserver)
}

// ProcessResult reports how one webhook delivery was handled.
type ProcessResult struct {
	EventType string
	Outcome   string
}

// ProcessWebhook verifies, admits and applies one raw webhook delivery.
// Benign conditions (duplicates, unknown event types, malformed checkout
// metadata) return a nil error with the outcome set, so the caller can
// acknowledge and stop the processor's retries. A non-nil error means the
// event was left unprocessed and the caller must respond non-2xx.
func (s *Service) ProcessWebhook(ctx context.Context, rawBody []byte, signatureHeader, webhookSecret string) (*ProcessResult, error) {
	if !VerifyWebhookSignature(rawBody, signatureHeader, webhookSecret) {
		log.Warnf("[Billing] rejected webhook with invalid signature")
		return nil, ErrSignatureInvalid
	}

	event, err := ParseEvent(rawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	result := &ProcessResult{EventType: event.Type}

	if s.reserver != nil && !s.reserver.Reserve(event.ID) {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	admitted, stored, err := s.repo.AdmitEvent(&models.ProcessedEvent{
		ExternalEventID: event.ID,
		EventType:       event.Type,
	})
	if err != nil {
		s.releaseReservation(event.ID)
		return nil, err
	}
	if !admitted {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	outcome, procErr := s.dispatch(ctx, event)
	if markErr := s.repo.MarkEventProcessed(stored.ID, outcome, procErr); markErr != nil {
		log.Errorf("[Billing] failed to record outcome for event %s: %v", event.ID, markErr)
	}
	if procErr != nil {
		// Release the fast-path key so the processor's retry is re-admitted.
		s.releaseReservation(event.ID)
		return nil, procErr
	}

	result.Outcome = outcome
	return result, nil
}

func (s *Service) releaseReservation(eventID string) {
	if s.reserver != nil {
		s.reserver.Release(eventID)
	}
}

func (s *Service) dispatch(ctx context.Context, event *Event) (string, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	case EventInvoicePaymentSucceeded:
		return s.handleInvoicePaid(ctx, event)
	case EventInvoicePaymentFailed:
		return s.handleInvoiceFailed(ctx, event)
	case EventPaymentIntentSucceeded:
		return s.handlePaymentIntentSucceeded(ctx, event)
	default:
		log.Infof("[Billing] ignoring unhandled event type %s", event.Type)
		return OutcomeIgnored, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *Event) (string, error) {
	session, err := ParseCheckoutSessionEvent(event.ObjectRaw)
	if err != nil {
		log.Warnf("[Billing] dropping malformed checkout session in event %s: %v", event.ID, err)
		return OutcomeMissingMetadata, nil
	}

	if session.Metadata.Type == MetadataTypeCreditPurchase {
		return s.creditPurchase(session.Metadata, firstNonEmpty(session.PaymentIntent, session.SessionID))
	}

	md := session.Metadata
	if md.AccountID == "" || md.PlanName == "" || md.BillingCycle == "" {
		// Retrying cannot fix malformed metadata, so log, drop and ack.
		log.Errorf("[Billing] checkout event %s missing account/plan metadata, dropping", event.ID)
		return OutcomeMissingMetadata, nil
	}
	plan, cycle, price, ok := ResolvePlanPrice(md.PlanName, md.BillingCycle)
	if !ok {
		log.Errorf("[Billing] checkout event %s references unknown plan %q/%q, dropping", event.ID, md.PlanName, md.BillingCycle)
		return OutcomeMissingMetadata, nil
	}

	trialEnd := event.CreatedAt.Add(TrialWindow)
	eventTime := event.OrderingTime()
	sub := &models.Subscription{
		AccountID:              md.AccountID,
		AccountEmail:           md.AccountEmail,
		PlanName:               plan,
		Status:                 models.SubscriptionStatusTrialing,
		BillingCycle:           cycle,
		Price:                  price,
		ExternalCustomerID:     session.CustomerID,
		ExternalSubscriptionID: nullableString(session.SubscriptionID),
		TrialEndDate:           &trialEnd,
	}
	if !eventTime.IsZero() {
		sub.LastEventAt = &eventTime
	}

	created, existing, err := s.repo.CreateSubscriptionIfAbsent(sub)
	if err != nil {
		return "", err
	}
	if created {
		return OutcomeProcessed, nil
	}
	if !existing.IsTerminal() {
		// An account has exactly one live subscription; a second completed
		// checkout for it is a redelivery or an operator mistake. Either way
		// the existing row stays authoritative.
		log.Warnf("[Billing] checkout event %s for account %s with live subscription, ignoring", event.ID, md.AccountID)
		return OutcomeDuplicate, nil
	}

	// Re-subscribe after cancellation/expiry: reuse the row.
	_, err = s.repo.MutateSubscription(SubscriptionRef{AccountID: md.AccountID}, func(row *models.Subscription) (bool, error) {
		if staleEvent(row, eventTime) {
			return false, nil
		}
		row.PlanName = plan
		row.BillingCycle = cycle
		row.Price = price
		row.Status = models.SubscriptionStatusTrialing
		row.ExternalCustomerID = session.CustomerID
		row.ExternalSubscriptionID = nullableString(session.SubscriptionID)
		row.TrialEndDate = &trialEnd
		row.CurrentPeriodStart = nil
		row.CurrentPeriodEnd = nil
		row.CancelledAt = nil
		if md.AccountEmail != "" {
			row.AccountEmail = md.AccountEmail
		}
		if !eventTime.IsZero() {
			row.LastEventAt = &eventTime
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *Event) (string, error) {
	ev, err := ParseSubscriptionEvent(event.ObjectRaw)
	if err != nil {
		log.Warnf("[Billing] dropping malformed subscription object in event %s: %v", event.ID, err)
		return OutcomeMissingMetadata, nil
	}

	changed := false
	sub, err := s.repo.MutateSubscription(s.refFor(ev), func(row *models.Subscription) (bool, error) {
		changed = applySubscriptionUpdate(row, ev, event.OrderingTime())
		return changed, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Billing] subscription event %s has no local row, ignoring", event.ID)
			return OutcomeNoSubscription, nil
		}
		return "", err
	}
	if !changed {
		return OutcomeStale, nil
	}
	if sub.Status == models.SubscriptionStatusPastDue {
		s.notifyPaymentFailed(sub, "subscription past due")
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *Event) (string, error) {
	ev, err := ParseSubscriptionEvent(event.ObjectRaw)
	if err != nil {
		log.Warnf("[Billing] dropping malformed subscription object in event %s: %v", event.ID, err)
		return OutcomeMissingMetadata, nil
	}

	changed := false
	_, err = s.repo.MutateSubscription(s.refFor(ev), func(row *models.Subscription) (bool, error) {
		changed = applySubscriptionDeleted(row, event.OrderingTime())
		return changed, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutcomeNoSubscription, nil
		}
		return "", err
	}
	if !changed {
		return OutcomeStale, nil
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *Event) (string, error) {
	invoice, err := ParseInvoiceEvent(event.ObjectRaw)
	if err != nil {
		log.Warnf("[Billing] dropping malformed invoice in event %s: %v", event.ID, err)
		return OutcomeMissingMetadata, nil
	}
	if invoice.SubscriptionID == "" {
		// One-time invoices (credit purchases) are settled by the payment
		// intent event instead.
		return OutcomeIgnored, nil
	}

	changed := false
	_, err = s.repo.MutateSubscription(SubscriptionRef{
		ExternalSubscriptionID: invoice.SubscriptionID,
		ExternalCustomerID:     invoice.CustomerID,
	}, func(row *models.Subscription) (bool, error) {
		changed = applyInvoicePaid(row, event.OrderingTime())
		return changed, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutcomeNoSubscription, nil
		}
		return "", err
	}
	if !changed {
		return OutcomeStale, nil
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleInvoiceFailed(ctx context.Context, event *Event) (string, error) {
	invoice, err := ParseInvoiceEvent(event.ObjectRaw)
	if err != nil {
		log.Warnf("[Billing] dropping malformed invoice in event %s: %v", event.ID, err)
		return OutcomeMissingMetadata, nil
	}

	changed := false
	sub, err := s.repo.MutateSubscription(SubscriptionRef{
		ExternalSubscriptionID: invoice.SubscriptionID,
		ExternalCustomerID:     invoice.CustomerID,
	}, func(row *models.Subscription) (bool, error) {
		changed = applyInvoiceFailed(row, event.OrderingTime())
		return changed, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return OutcomeNoSubscription, nil
		}
		return "", err
	}
	if !changed {
		return OutcomeStale, nil
	}
	s.notifyPaymentFailed(sub, "invoice payment failed")
	return OutcomeProcessed, nil
}

func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, event *Event) (string, error) {
	intent, err := ParsePaymentIntentEvent(event.ObjectRaw)
	if err != nil {
		log.Warnf("[Billing] dropping malformed payment intent in event %s: %v", event.ID, err)
		return OutcomeMissingMetadata, nil
	}
	if intent.Metadata.Type != MetadataTypeCreditPurchase {
		// Subscription invoices also raise payment intents; the invoice
		// events own those transitions.
		return OutcomeIgnored, nil
	}
	return s.creditPurchase(intent.Metadata, intent.PaymentIntentID)
}

// creditPurchase appends a purchase ledger entry for a paid credit package.
// The payment reference dedup makes redelivered events a no-op.
func (s *Service) creditPurchase(md EventMetadata, paymentRef string) (string, error) {
	if md.AccountID == "" || md.Credits == "" {
		log.Errorf("[Billing] credit purchase missing account/credits metadata, dropping")
		return OutcomeMissingMetadata, nil
	}
	credits, err := decimal.NewFromString(md.Credits)
	if err != nil || !credits.IsPositive() {
		log.Errorf("[Billing] credit purchase has invalid credits %q, dropping", md.Credits)
		return OutcomeMissingMetadata, nil
	}

	description := "Credit purchase"
	if md.PackageID != "" {
		description = fmt.Sprintf("Credit purchase (package %s)", md.PackageID)
	}
	ref := nullableString(paymentRef)

	_, err = s.repo.AppendTransaction(LedgerAppend{
		AccountID:          md.AccountID,
		Type:               models.CreditTransactionPurchase,
		Amount:             credits,
		Description:        description,
		ExternalPaymentRef: ref,
	})
	if errors.Is(err, ErrDuplicatePaymentRef) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

// nullableString returns a pointer to the trimmed value, nil when empty, for
// columns whose uniqueness applies only when a value is present.
func nullableString(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

func (s *Service) refFor(ev *SubscriptionEvent) SubscriptionRef {
	return SubscriptionRef{
		AccountID:              ev.Metadata.AccountID,
		ExternalSubscriptionID: ev.SubscriptionID,
		ExternalCustomerID:     ev.CustomerID,
	}
}

func (s *Service) notifyPaymentFailed(sub *models.Subscription, reason string) {
	if s.notifier == nil || sub == nil {
		return
	}
	if err := s.notifier.NotifyPaymentFailed(sub.AccountID, sub.AccountEmail, reason); err != nil {
		log.Errorf("[Billing] failed to enqueue dunning notice for account %s: %v", sub.AccountID, err)
	}
}

// GetBalance returns the account's current credit balance; accounts without
// ledger activity report zero.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*models.CreditBalance, error) {
	_ = ctx
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	return s.repo.GetBalance(accountID)
}

// GetSubscription returns the account's subscription, or nil when it never
// subscribed.
func (s *Service) GetSubscription(ctx context.Context, accountID string) (*models.Subscription, error) {
	_ = ctx
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	sub, err := s.repo.GetSubscriptionByAccount(accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListTransactions returns the account's ledger page, newest first.
func (s *Service) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	_ = ctx
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	return s.repo.ListTransactions(accountID, limit)
}

// SpendCredits appends a usage transaction. Spends that would drive the
// balance negative fail with ErrInsufficientBalance and leave the ledger
// unchanged.
func (s *Service) SpendCredits(ctx context.Context, accountID string, amount decimal.Decimal, description string) (*models.CreditTransaction, error) {
	_ = ctx
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	return s.repo.AppendTransaction(LedgerAppend{
		AccountID:   accountID,
		Type:        models.CreditTransactionUsage,
		Amount:      amount.Neg(),
		Description: description,
	})
}

// RefundCredits claws back previously purchased credits for a refunded
// payment. The clawback is capped at the available balance; the payment
// reference keeps the refund idempotent.
func (s *Service) RefundCredits(ctx context.Context, accountID string, amount decimal.Decimal, paymentRef, description string) (*models.CreditTransaction, error) {
	_ = ctx
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	ref := nullableString(paymentRef)
	tx, err := s.repo.AppendTransaction(LedgerAppend{
		AccountID:          accountID,
		Type:               models.CreditTransactionRefund,
		Amount:             amount.Neg(),
		Description:        description,
		ExternalPaymentRef: ref,
	})
	if errors.Is(err, ErrDuplicatePaymentRef) {
		return nil, nil
	}
	return tx, err
}

// ExpireLapsedTrials transitions trialing subscriptions whose trial window
// passed without a payment event. Run periodically by the sweeper.
func (s *Service) ExpireLapsedTrials(ctx context.Context) (int64, error) {
	_ = ctx
	n, err := s.repo.ExpireTrialsBefore(time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("[Billing] expired %d lapsed trial subscriptions", n)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
