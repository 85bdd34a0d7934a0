package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prospectly/prospectly/app/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// memoryRepo mirrors the gormRepository semantics in memory so the service
// can be exercised without a database.
type memoryRepo struct {
	mu       sync.Mutex
	events   map[string]*models.ProcessedEvent
	subs     map[string]*models.Subscription
	balances map[string]*models.CreditBalance
	txs      []*models.CreditTransaction
	nextID   uint
	calls    int

	failAppend error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		events:   make(map[string]*models.ProcessedEvent),
		subs:     make(map[string]*models.Subscription),
		balances: make(map[string]*models.CreditBalance),
	}
}

func (r *memoryRepo) id() uint {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) AdmitEvent(event *models.ProcessedEvent) (bool, *models.ProcessedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if stored, ok := r.events[event.ExternalEventID]; ok {
		return stored.ProcessingError != "", stored, nil
	}
	event.ID = r.id()
	event.CreatedAt = time.Now()
	r.events[event.ExternalEventID] = event
	return true, event, nil
}

func (r *memoryRepo) MarkEventProcessed(id uint, outcome string, processingErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	for _, ev := range r.events {
		if ev.ID == id {
			now := time.Now()
			ev.Outcome = outcome
			ev.ProcessedAt = &now
			ev.ProcessingError = ""
			if processingErr != nil {
				ev.ProcessingError = processingErr.Error()
			}
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *memoryRepo) GetSubscriptionByAccount(accountID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	sub, ok := r.subs[accountID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *memoryRepo) CreateSubscriptionIfAbsent(sub *models.Subscription) (bool, *models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if existing, ok := r.subs[sub.AccountID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	sub.ID = r.id()
	r.subs[sub.AccountID] = sub
	cp := *sub
	return true, &cp, nil
}

func (r *memoryRepo) MutateSubscription(ref SubscriptionRef, apply func(*models.Subscription) (bool, error)) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	var sub *models.Subscription
	switch {
	case ref.ExternalSubscriptionID != "":
		for _, s := range r.subs {
			if s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID == ref.ExternalSubscriptionID {
				sub = s
				break
			}
		}
	case ref.AccountID != "":
		sub = r.subs[ref.AccountID]
	case ref.ExternalCustomerID != "":
		for _, s := range r.subs {
			if s.ExternalCustomerID == ref.ExternalCustomerID {
				sub = s
				break
			}
		}
	}
	if sub == nil {
		return nil, gorm.ErrRecordNotFound
	}

	if _, err := apply(sub); err != nil {
		return nil, err
	}
	cp := *sub
	return &cp, nil
}

func (r *memoryRepo) ExpireTrialsBefore(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	var n int64
	for _, s := range r.subs {
		if s.Status == models.SubscriptionStatusTrialing && s.TrialEndDate != nil && s.TrialEndDate.Before(cutoff) {
			s.Status = models.SubscriptionStatusExpired
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) AppendTransaction(in LedgerAppend) (*models.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if r.failAppend != nil {
		err := r.failAppend
		r.failAppend = nil
		return nil, err
	}

	if in.ExternalPaymentRef != nil && *in.ExternalPaymentRef != "" {
		for _, tx := range r.txs {
			if tx.ExternalPaymentRef != nil && *tx.ExternalPaymentRef == *in.ExternalPaymentRef {
				return nil, ErrDuplicatePaymentRef
			}
		}
	}

	bal, ok := r.balances[in.AccountID]
	if !ok {
		bal = &models.CreditBalance{
			AccountID:      in.AccountID,
			Balance:        decimal.Zero,
			TotalPurchased: decimal.Zero,
			TotalUsed:      decimal.Zero,
		}
		r.balances[in.AccountID] = bal
	}

	amount := in.Amount
	newBalance := bal.Balance.Add(amount)
	if newBalance.IsNegative() {
		switch in.Type {
		case models.CreditTransactionRefund:
			amount = bal.Balance.Neg()
			newBalance = decimal.Zero
		default:
			return nil, ErrInsufficientBalance
		}
	}

	entry := &models.CreditTransaction{
		ID:                 r.id(),
		AccountID:          in.AccountID,
		Type:               in.Type,
		Amount:             amount,
		BalanceAfter:       newBalance,
		Description:        in.Description,
		ExternalPaymentRef: in.ExternalPaymentRef,
		CreatedAt:          time.Now(),
	}
	r.txs = append(r.txs, entry)

	if amount.IsPositive() {
		bal.TotalPurchased = bal.TotalPurchased.Add(amount)
	} else {
		bal.TotalUsed = bal.TotalUsed.Add(amount.Neg())
	}
	bal.Balance = newBalance
	return entry, nil
}

func (r *memoryRepo) GetBalance(accountID string) (*models.CreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	bal, ok := r.balances[accountID]
	if !ok {
		return &models.CreditBalance{AccountID: accountID, Balance: decimal.Zero, TotalPurchased: decimal.Zero, TotalUsed: decimal.Zero}, nil
	}
	cp := *bal
	return &cp, nil
}

func (r *memoryRepo) ListTransactions(accountID string, limit int) ([]models.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	var out []models.CreditTransaction
	for i := len(r.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.txs[i].AccountID == accountID {
			out = append(out, *r.txs[i])
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (n *fakeNotifier) NotifyPaymentFailed(accountID, email, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, accountID+":"+reason)
	return nil
}

const testSecret = "whsec_test"

func signedBody(t *testing.T, eventID, eventType string, created time.Time, object string) ([]byte, string) {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":%s}}`,
		eventID, eventType, created.Unix(), object))
	return body, signPayload(body, testSecret, time.Now())
}

func deliver(t *testing.T, svc *Service, eventID, eventType string, created time.Time, object string) *ProcessResult {
	t.Helper()
	body, sig := signedBody(t, eventID, eventType, created, object)
	result, err := svc.ProcessWebhook(context.Background(), body, sig, testSecret)
	if err != nil {
		t.Fatalf("unexpected processing error for %s: %v", eventID, err)
	}
	return result
}

const checkoutObject = `{
	"id": "cs_1",
	"customer": "cus_9",
	"subscription": "sub_7",
	"metadata": {"accountId": "a1", "accountEmail": "a1@example.com", "planName": "professional", "billingCycle": "monthly"}
}`

func TestProcessWebhook_CheckoutCreatesTrialingSubscription(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	created := time.Now().Add(-time.Minute)

	result := deliver(t, svc, "evt_1", EventCheckoutCompleted, created, checkoutObject)
	if result.Outcome != OutcomeProcessed {
		t.Fatalf("expected processed, got %q", result.Outcome)
	}

	sub, err := svc.GetSubscription(context.Background(), "a1")
	if err != nil || sub == nil {
		t.Fatalf("expected subscription, got %v, %v", sub, err)
	}
	if sub.Status != models.SubscriptionStatusTrialing {
		t.Fatalf("expected trialing, got %q", sub.Status)
	}
	if sub.PlanName != models.PlanProfessional || sub.BillingCycle != models.BillingCycleMonthly {
		t.Fatalf("unexpected plan: %+v", sub)
	}
	if !sub.Price.Equal(decimal.NewFromInt(197)) {
		t.Fatalf("expected server-resolved price 197, got %s", sub.Price)
	}
	wantTrialEnd := time.Unix(created.Unix(), 0).Add(TrialWindow)
	if sub.TrialEndDate == nil || !sub.TrialEndDate.Equal(wantTrialEnd) {
		t.Fatalf("expected trial end %v, got %v", wantTrialEnd, sub.TrialEndDate)
	}
	if sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID != "sub_7" || sub.ExternalCustomerID != "cus_9" {
		t.Fatalf("expected external refs persisted: %+v", sub)
	}
}

func TestProcessWebhook_CheckoutWithoutSubscriptionRef(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	created := time.Now().Add(-time.Minute)

	object := `{
		"id": "cs_2",
		"customer": "cus_9",
		"metadata": {"accountId": "a1", "planName": "starter", "billingCycle": "monthly"}
	}`
	result := deliver(t, svc, "evt_1", EventCheckoutCompleted, created, object)
	if result.Outcome != OutcomeProcessed {
		t.Fatalf("expected processed, got %q", result.Outcome)
	}

	// The unique index on external_subscription_id only binds when a value is
	// present, so a checkout without one must persist NULL, not "".
	sub, err := svc.GetSubscription(context.Background(), "a1")
	if err != nil || sub == nil {
		t.Fatalf("expected subscription, got %v, %v", sub, err)
	}
	if sub.ExternalSubscriptionID != nil {
		t.Fatalf("expected no external subscription ref, got %q", *sub.ExternalSubscriptionID)
	}
}

func TestProcessWebhook_DuplicateEventID(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	created := time.Now().Add(-time.Minute)

	first := deliver(t, svc, "evt_1", EventCheckoutCompleted, created, checkoutObject)
	second := deliver(t, svc, "evt_1", EventCheckoutCompleted, created, checkoutObject)

	if first.Outcome != OutcomeProcessed {
		t.Fatalf("expected first delivery processed, got %q", first.Outcome)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("expected second delivery deduplicated, got %q", second.Outcome)
	}
	if len(repo.subs) != 1 {
		t.Fatalf("expected exactly one subscription row, got %d", len(repo.subs))
	}
}

func TestProcessWebhook_CreditPurchaseDedupByPaymentRef(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	created := time.Now().Add(-time.Minute)

	object := `{"id":"pi_1","metadata":{"type":"credit_purchase","userId":"a1","credits":"100","packageId":"p1"}}`

	// Two distinct event ids referencing the same payment: the ledger-level
	// dedup is the second line of defense behind the event id guard.
	first := deliver(t, svc, "evt_1", EventPaymentIntentSucceeded, created, object)
	second := deliver(t, svc, "evt_2", EventPaymentIntentSucceeded, created, object)

	if first.Outcome != OutcomeProcessed {
		t.Fatalf("expected first purchase processed, got %q", first.Outcome)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("expected second purchase deduplicated, got %q", second.Outcome)
	}

	bal, _ := svc.GetBalance(context.Background(), "a1")
	if !bal.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance 100 after duplicate purchase, got %s", bal.Balance)
	}
	if len(repo.txs) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(repo.txs))
	}
}

func TestProcessWebhook_InvoiceFailedThenPaid(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	svc := NewService(repo, nil, notifier, nil)
	base := time.Now().Add(-time.Hour)

	deliver(t, svc, "evt_1", EventCheckoutCompleted, base, checkoutObject)
	deliver(t, svc, "evt_2", EventSubscriptionUpdated, base.Add(time.Minute),
		`{"id":"sub_7","customer":"cus_9","status":"active"}`)

	failed := deliver(t, svc, "evt_3", EventInvoicePaymentFailed, base.Add(2*time.Minute),
		`{"id":"in_1","customer":"cus_9","subscription":"sub_7"}`)
	if failed.Outcome != OutcomeProcessed {
		t.Fatalf("expected failed invoice processed, got %q", failed.Outcome)
	}
	sub, _ := svc.GetSubscription(context.Background(), "a1")
	if sub.Status != models.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due after failed invoice, got %q", sub.Status)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("expected one dunning notice, got %d", len(notifier.notices))
	}

	paid := deliver(t, svc, "evt_4", EventInvoicePaymentSucceeded, base.Add(3*time.Minute),
		`{"id":"in_2","customer":"cus_9","subscription":"sub_7"}`)
	if paid.Outcome != OutcomeProcessed {
		t.Fatalf("expected paid invoice processed, got %q", paid.Outcome)
	}
	sub, _ = svc.GetSubscription(context.Background(), "a1")
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("expected active after paid invoice, got %q", sub.Status)
	}
}

func TestProcessWebhook_OutOfOrderDelivery(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	base := time.Now().Add(-time.Hour)

	deliver(t, svc, "evt_1", EventCheckoutCompleted, base, checkoutObject)
	deliver(t, svc, "evt_2", EventSubscriptionUpdated, base.Add(10*time.Minute),
		`{"id":"sub_7","status":"active"}`)

	// A past_due event generated before the activation arrives late.
	late := deliver(t, svc, "evt_3", EventSubscriptionUpdated, base.Add(5*time.Minute),
		`{"id":"sub_7","status":"past_due"}`)
	if late.Outcome != OutcomeStale {
		t.Fatalf("expected stale outcome for late event, got %q", late.Outcome)
	}
	sub, _ := svc.GetSubscription(context.Background(), "a1")
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("expected status to stay active, got %q", sub.Status)
	}
}

func TestProcessWebhook_SubscriptionDeletedIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	base := time.Now().Add(-time.Hour)

	deliver(t, svc, "evt_1", EventCheckoutCompleted, base, checkoutObject)
	deliver(t, svc, "evt_2", EventSubscriptionDeleted, base.Add(time.Minute), `{"id":"sub_7"}`)

	sub, _ := svc.GetSubscription(context.Background(), "a1")
	if sub.Status != models.SubscriptionStatusCancelled || sub.CancelledAt == nil {
		t.Fatalf("expected cancelled with stamp, got %+v", sub)
	}
	stamp := *sub.CancelledAt

	second := deliver(t, svc, "evt_3", EventSubscriptionDeleted, base.Add(2*time.Minute), `{"id":"sub_7"}`)
	if second.Outcome != OutcomeStale {
		t.Fatalf("expected redelivered delete to be a no-op, got %q", second.Outcome)
	}
	sub, _ = svc.GetSubscription(context.Background(), "a1")
	if !sub.CancelledAt.Equal(stamp) {
		t.Fatalf("expected cancelled_at unchanged")
	}
}

func TestProcessWebhook_SignatureRejectedBeforeStoreAccess(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)

	body, _ := signedBody(t, "evt_1", EventCheckoutCompleted, time.Now(), checkoutObject)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'X'

	_, err := svc.ProcessWebhook(context.Background(), tampered, signPayload(body, testSecret, time.Now()), testSecret)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if repo.calls != 0 {
		t.Fatalf("expected no store access on signature failure, got %d calls", repo.calls)
	}
}

func TestProcessWebhook_MissingMetadataDropped(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)

	result := deliver(t, svc, "evt_1", EventCheckoutCompleted, time.Now().Add(-time.Minute),
		`{"id":"cs_1","metadata":{"planName":"professional"}}`)
	if result.Outcome != OutcomeMissingMetadata {
		t.Fatalf("expected missing_metadata outcome, got %q", result.Outcome)
	}
	if len(repo.subs) != 0 {
		t.Fatalf("expected no partial subscription row")
	}
}

func TestProcessWebhook_UnknownEventTypeAcked(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)

	result := deliver(t, svc, "evt_1", "charge.dispute.created", time.Now().Add(-time.Minute), `{"id":"dp_1"}`)
	if result.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %q", result.Outcome)
	}
}

func TestProcessWebhook_FailedEventIsReadmitted(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	created := time.Now().Add(-time.Minute)
	object := `{"id":"pi_1","metadata":{"type":"credit_purchase","userId":"a1","credits":"100"}}`

	repo.failAppend = errors.New("connection reset")
	body, sig := signedBody(t, "evt_1", EventPaymentIntentSucceeded, created, object)
	if _, err := svc.ProcessWebhook(context.Background(), body, sig, testSecret); err == nil {
		t.Fatalf("expected storage failure to surface")
	}

	// The processor retries after the 500 and the retry must be admitted.
	result := deliver(t, svc, "evt_1", EventPaymentIntentSucceeded, created, object)
	if result.Outcome != OutcomeProcessed {
		t.Fatalf("expected retry to process, got %q", result.Outcome)
	}
	bal, _ := svc.GetBalance(context.Background(), "a1")
	if !bal.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance 100 after retry, got %s", bal.Balance)
	}
}

func TestProcessWebhook_ResubscribeAfterCancellation(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	base := time.Now().Add(-time.Hour)

	deliver(t, svc, "evt_1", EventCheckoutCompleted, base, checkoutObject)

	// A second completed checkout while the row is live leaves it authoritative.
	dup := deliver(t, svc, "evt_2", EventCheckoutCompleted, base.Add(30*time.Second), checkoutObject)
	if dup.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate outcome for live row, got %q", dup.Outcome)
	}

	deliver(t, svc, "evt_3", EventSubscriptionDeleted, base.Add(time.Minute), `{"id":"sub_7"}`)

	// After cancellation a new checkout re-seeds the trial.
	object := `{
		"id": "cs_2",
		"customer": "cus_9",
		"subscription": "sub_8",
		"metadata": {"accountId": "a1", "planName": "starter", "billingCycle": "annual"}
	}`
	result := deliver(t, svc, "evt_4", EventCheckoutCompleted, base.Add(2*time.Minute), object)
	if result.Outcome != OutcomeProcessed {
		t.Fatalf("expected resubscribe to process, got %q", result.Outcome)
	}
	sub, _ := svc.GetSubscription(context.Background(), "a1")
	if sub.Status != models.SubscriptionStatusTrialing || sub.PlanName != models.PlanStarter {
		t.Fatalf("expected fresh starter trial, got %+v", sub)
	}
	if !sub.Price.Equal(decimal.NewFromInt(970)) {
		t.Fatalf("expected annual starter price 970, got %s", sub.Price)
	}
	if sub.CancelledAt != nil {
		t.Fatalf("expected cancelled_at cleared on resubscribe")
	}
}

func TestSpendCredits_InsufficientBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	deliver(t, svc, "evt_1", EventPaymentIntentSucceeded, time.Now().Add(-time.Minute),
		`{"id":"pi_1","metadata":{"type":"credit_purchase","userId":"a1","credits":"20"}}`)

	_, err := svc.SpendCredits(ctx, "a1", decimal.NewFromInt(50), "bulk enrichment")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "a1")
	if !bal.Balance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected balance unchanged at 20, got %s", bal.Balance)
	}
	if len(repo.txs) != 1 {
		t.Fatalf("expected rejected spend to leave the ledger unchanged")
	}
}

func TestLedgerInvariantHolds(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	deliver(t, svc, "evt_1", EventPaymentIntentSucceeded, time.Now().Add(-time.Minute),
		`{"id":"pi_1","metadata":{"type":"credit_purchase","userId":"a1","credits":"100"}}`)
	if _, err := svc.SpendCredits(ctx, "a1", decimal.NewFromInt(30), "export"); err != nil {
		t.Fatalf("unexpected spend error: %v", err)
	}
	if _, err := svc.SpendCredits(ctx, "a1", decimal.NewFromInt(15), "enrichment"); err != nil {
		t.Fatalf("unexpected spend error: %v", err)
	}

	bal, _ := svc.GetBalance(ctx, "a1")
	if !bal.Balance.Equal(bal.TotalPurchased.Sub(bal.TotalUsed)) {
		t.Fatalf("invariant broken: balance=%s purchased=%s used=%s", bal.Balance, bal.TotalPurchased, bal.TotalUsed)
	}

	sum := decimal.Zero
	for _, tx := range repo.txs {
		sum = sum.Add(tx.Amount)
	}
	if !bal.Balance.Equal(sum) {
		t.Fatalf("balance %s does not equal transaction sum %s", bal.Balance, sum)
	}
	if !bal.Balance.Equal(decimal.NewFromInt(55)) {
		t.Fatalf("expected balance 55, got %s", bal.Balance)
	}
}

func TestRefundCredits_ClampedAndIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	deliver(t, svc, "evt_1", EventPaymentIntentSucceeded, time.Now().Add(-time.Minute),
		`{"id":"pi_1","metadata":{"type":"credit_purchase","userId":"a1","credits":"100"}}`)
	if _, err := svc.SpendCredits(ctx, "a1", decimal.NewFromInt(60), "export"); err != nil {
		t.Fatalf("unexpected spend error: %v", err)
	}

	// The processor refunded the full purchase but only 40 credits remain:
	// the clawback is capped at the available balance.
	tx, err := svc.RefundCredits(ctx, "a1", decimal.NewFromInt(100), "re_1", "payment refunded")
	if err != nil {
		t.Fatalf("unexpected refund error: %v", err)
	}
	if !tx.Amount.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("expected clamped refund of -40, got %s", tx.Amount)
	}

	bal, _ := svc.GetBalance(ctx, "a1")
	if !bal.Balance.IsZero() {
		t.Fatalf("expected zero balance after refund, got %s", bal.Balance)
	}
	if !bal.Balance.Equal(bal.TotalPurchased.Sub(bal.TotalUsed)) {
		t.Fatalf("invariant broken after refund")
	}

	// Redelivered refund is a no-op.
	again, err := svc.RefundCredits(ctx, "a1", decimal.NewFromInt(100), "re_1", "payment refunded")
	if err != nil || again != nil {
		t.Fatalf("expected duplicate refund to be a silent no-op, got %v, %v", again, err)
	}
}

func TestExpireLapsedTrials(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)

	// Created four days ago with a three day trial window.
	deliver(t, svc, "evt_1", EventCheckoutCompleted, time.Now().Add(-4*24*time.Hour), checkoutObject)

	n, err := svc.ExpireLapsedTrials(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired trial, got %d", n)
	}
	sub, _ := svc.GetSubscription(context.Background(), "a1")
	if sub.Status != models.SubscriptionStatusExpired {
		t.Fatalf("expected expired, got %q", sub.Status)
	}
}
