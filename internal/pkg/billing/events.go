package billing

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Processor event types consumed by the webhook. Unknown types are
// acknowledged and ignored for forward compatibility.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventPaymentIntentSucceeded  = "payment_intent.succeeded"
)

// MetadataTypeCreditPurchase marks a checkout/payment event as a one-time
// credit purchase rather than a subscription.
const MetadataTypeCreditPurchase = "credit_purchase"

// Event is the verified processor event envelope. ObjectRaw carries the
// event-specific data.object payload for typed extraction.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	ObjectRaw json.RawMessage

	createdKnown bool
}

// OrderingTime returns the payload's created time for ordering decisions, or
// the zero time when the payload carried none. An event without a timestamp
// still gets applied but must not advance last_event_at, otherwise a receipt
// time could mark genuinely newer events as stale.
func (e *Event) OrderingTime() time.Time {
	if !e.createdKnown {
		return time.Time{}
	}
	return e.CreatedAt
}

// ParseEvent decodes the processor event envelope from a raw webhook body.
func ParseEvent(payload []byte) (*Event, error) {
	var raw struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("event payload missing id")
	}
	if strings.TrimSpace(raw.Type) == "" {
		return nil, errors.New("event payload missing type")
	}

	created := time.Now()
	if raw.Created > 0 {
		created = time.Unix(raw.Created, 0)
	}
	return &Event{
		ID:           strings.TrimSpace(raw.ID),
		Type:         strings.TrimSpace(raw.Type),
		CreatedAt:    created,
		ObjectRaw:    raw.Data.Object,
		createdKnown: raw.Created > 0,
	}, nil
}

// EventMetadata is the metadata block the checkout initiator stamps on
// outbound sessions and the webhook later consumes.
type EventMetadata struct {
	AccountID    string
	AccountEmail string
	PlanName     string
	BillingCycle string
	Type         string
	Credits      string
	PackageID    string
}

type rawMetadata struct {
	AccountID    string `json:"accountId"`
	UserID       string `json:"userId"`
	AccountEmail string `json:"accountEmail"`
	PlanName     string `json:"planName"`
	BillingCycle string `json:"billingCycle"`
	Type         string `json:"type"`
	Credits      string `json:"credits"`
	PackageID    string `json:"packageId"`
}

func (m rawMetadata) normalized() EventMetadata {
	accountID := strings.TrimSpace(m.AccountID)
	if accountID == "" {
		// Older checkout flows stamped the account under userId.
		accountID = strings.TrimSpace(m.UserID)
	}
	return EventMetadata{
		AccountID:    accountID,
		AccountEmail: strings.TrimSpace(m.AccountEmail),
		PlanName:     strings.TrimSpace(m.PlanName),
		BillingCycle: strings.TrimSpace(m.BillingCycle),
		Type:         strings.TrimSpace(m.Type),
		Credits:      strings.TrimSpace(m.Credits),
		PackageID:    strings.TrimSpace(m.PackageID),
	}
}

// CheckoutSessionEvent is the normalized data.object of checkout.session.completed.
type CheckoutSessionEvent struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	PaymentIntent  string
	Metadata       EventMetadata
}

// ParseCheckoutSessionEvent extracts a checkout session from an event object.
func ParseCheckoutSessionEvent(objectRaw json.RawMessage) (*CheckoutSessionEvent, error) {
	var raw struct {
		ID            string      `json:"id"`
		Customer      string      `json:"customer"`
		Subscription  string      `json:"subscription"`
		PaymentIntent string      `json:"payment_intent"`
		Metadata      rawMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(objectRaw, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("checkout session missing id")
	}
	return &CheckoutSessionEvent{
		SessionID:      strings.TrimSpace(raw.ID),
		CustomerID:     strings.TrimSpace(raw.Customer),
		SubscriptionID: strings.TrimSpace(raw.Subscription),
		PaymentIntent:  strings.TrimSpace(raw.PaymentIntent),
		Metadata:       raw.Metadata.normalized(),
	}, nil
}

// SubscriptionEvent is the normalized data.object of
// customer.subscription.updated / customer.subscription.deleted.
type SubscriptionEvent struct {
	SubscriptionID     string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	Metadata           EventMetadata
}

// ParseSubscriptionEvent extracts subscription state from an event object.
func ParseSubscriptionEvent(objectRaw json.RawMessage) (*SubscriptionEvent, error) {
	var raw struct {
		ID                 string      `json:"id"`
		Customer           string      `json:"customer"`
		Status             string      `json:"status"`
		CancelAtPeriodEnd  bool        `json:"cancel_at_period_end"`
		CurrentPeriodStart int64       `json:"current_period_start"`
		CurrentPeriodEnd   int64       `json:"current_period_end"`
		Metadata           rawMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(objectRaw, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("subscription object missing id")
	}

	out := &SubscriptionEvent{
		SubscriptionID:    strings.TrimSpace(raw.ID),
		CustomerID:        strings.TrimSpace(raw.Customer),
		Status:            strings.ToLower(strings.TrimSpace(raw.Status)),
		CancelAtPeriodEnd: raw.CancelAtPeriodEnd,
		Metadata:          raw.Metadata.normalized(),
	}
	if raw.CurrentPeriodStart > 0 {
		t := time.Unix(raw.CurrentPeriodStart, 0)
		out.CurrentPeriodStart = &t
	}
	if raw.CurrentPeriodEnd > 0 {
		t := time.Unix(raw.CurrentPeriodEnd, 0)
		out.CurrentPeriodEnd = &t
	}
	return out, nil
}

// InvoiceEvent is the normalized data.object of invoice.payment_succeeded /
// invoice.payment_failed.
type InvoiceEvent struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	PaymentIntent  string
}

// ParseInvoiceEvent extracts invoice references from an event object.
func ParseInvoiceEvent(objectRaw json.RawMessage) (*InvoiceEvent, error) {
	var raw struct {
		ID            string `json:"id"`
		Customer      string `json:"customer"`
		Subscription  string `json:"subscription"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(objectRaw, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("invoice object missing id")
	}
	return &InvoiceEvent{
		InvoiceID:      strings.TrimSpace(raw.ID),
		CustomerID:     strings.TrimSpace(raw.Customer),
		SubscriptionID: strings.TrimSpace(raw.Subscription),
		PaymentIntent:  strings.TrimSpace(raw.PaymentIntent),
	}, nil
}

// PaymentIntentEvent is the normalized data.object of payment_intent.succeeded.
type PaymentIntentEvent struct {
	PaymentIntentID string
	CustomerID      string
	Metadata        EventMetadata
}

// ParsePaymentIntentEvent extracts a payment intent from an event object.
func ParsePaymentIntentEvent(objectRaw json.RawMessage) (*PaymentIntentEvent, error) {
	var raw struct {
		ID       string      `json:"id"`
		Customer string      `json:"customer"`
		Metadata rawMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(objectRaw, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("payment intent missing id")
	}
	return &PaymentIntentEvent{
		PaymentIntentID: strings.TrimSpace(raw.ID),
		CustomerID:      strings.TrimSpace(raw.Customer),
		Metadata:        raw.Metadata.normalized(),
	}, nil
}
