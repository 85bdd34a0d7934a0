package billing

import (
	"time"

	"github.com/prospectly/prospectly/app/models"
)

// statusFromProcessor maps a processor subscription status onto the internal
// lifecycle. Unknown statuses map to "" and leave the row untouched.
func statusFromProcessor(status string) string {
	switch status {
	case "trialing":
		return models.SubscriptionStatusTrialing
	case "active":
		return models.SubscriptionStatusActive
	case "past_due":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled":
		return models.SubscriptionStatusCancelled
	case "unpaid":
		return models.SubscriptionStatusExpired
	default:
		return ""
	}
}

// staleEvent reports whether an event is older than the last one applied to
// the subscription. The processor delivers at-least-once and out of order;
// an older event must not regress newer state. A zero eventTime means the
// payload carried no created time and is never treated as stale.
func staleEvent(sub *models.Subscription, eventTime time.Time) bool {
	if eventTime.IsZero() {
		return false
	}
	return sub.LastEventAt != nil && eventTime.Before(*sub.LastEventAt)
}

// stampLastEvent advances last_event_at, skipping untimestamped events so a
// receipt-time guess never outranks real processor timestamps.
func stampLastEvent(sub *models.Subscription, eventTime time.Time) {
	if eventTime.IsZero() {
		return
	}
	sub.LastEventAt = &eventTime
}

func cancelStamp(eventTime time.Time) time.Time {
	if eventTime.IsZero() {
		return time.Now()
	}
	return eventTime
}

// applySubscriptionUpdate folds a customer.subscription.updated event into the
// row. Returns false when the event is stale or carries no applicable status.
func applySubscriptionUpdate(sub *models.Subscription, ev *SubscriptionEvent, eventTime time.Time) bool {
	if staleEvent(sub, eventTime) {
		return false
	}
	newStatus := statusFromProcessor(ev.Status)
	if newStatus == "" {
		return false
	}

	sub.Status = newStatus
	if ev.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = ev.CurrentPeriodStart
	}
	if ev.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = ev.CurrentPeriodEnd
	}
	switch newStatus {
	case models.SubscriptionStatusActive:
		sub.CancelledAt = nil
	case models.SubscriptionStatusCancelled:
		if sub.CancelledAt == nil {
			t := cancelStamp(eventTime)
			sub.CancelledAt = &t
		}
	}
	if ev.CustomerID != "" {
		sub.ExternalCustomerID = ev.CustomerID
	}
	stampLastEvent(sub, eventTime)
	return true
}

// applySubscriptionDeleted folds a customer.subscription.deleted event into
// the row. Deleting an already-cancelled subscription is a no-op so the
// cancelled_at stamp survives redelivery.
func applySubscriptionDeleted(sub *models.Subscription, eventTime time.Time) bool {
	if staleEvent(sub, eventTime) {
		return false
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return false
	}
	sub.Status = models.SubscriptionStatusCancelled
	if sub.CancelledAt == nil {
		t := cancelStamp(eventTime)
		sub.CancelledAt = &t
	}
	stampLastEvent(sub, eventTime)
	return true
}

// applyInvoicePaid folds invoice.payment_succeeded: a settled invoice puts
// the subscription on Active and clears any past-due state.
func applyInvoicePaid(sub *models.Subscription, eventTime time.Time) bool {
	if staleEvent(sub, eventTime) {
		return false
	}
	if sub.IsTerminal() {
		return false
	}
	sub.Status = models.SubscriptionStatusActive
	stampLastEvent(sub, eventTime)
	return true
}

// applyInvoiceFailed folds invoice.payment_failed: the subscription enters
// dunning as PastDue until a later payment succeeds.
func applyInvoiceFailed(sub *models.Subscription, eventTime time.Time) bool {
	if staleEvent(sub, eventTime) {
		return false
	}
	if sub.IsTerminal() {
		return false
	}
	sub.Status = models.SubscriptionStatusPastDue
	stampLastEvent(sub, eventTime)
	return true
}
