package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prospectly/prospectly/internal/pkg/env"
	"github.com/shopspring/decimal"
)

const defaultProcessorAPIBaseURL = "https://api.payments.example.com/v1"

// CheckoutModeSubscription and CheckoutModePayment select recurring vs
// one-time checkout sessions at the processor.
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

// CheckoutSessionParams is the outbound request for one checkout session.
// Metadata is round-tripped by the processor and consumed by the webhook, so
// the webhook can reconstruct intent without trusting the client again.
type CheckoutSessionParams struct {
	Mode          string
	CustomerEmail string
	ProductName   string
	Amount        decimal.Decimal
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is the processor's handle for a created session.
type CheckoutSession struct {
	ID  string
	URL string
}

// ProcessorClient is the capability the checkout initiator needs from the
// payment processor. A fake implementation substitutes in tests.
type ProcessorClient interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
}

// HTTPProcessorClient talks to the processor's checkout API over HTTPS.
type HTTPProcessorClient struct {
	SecretKey  string
	APIBaseURL string
	SuccessURL string
	CancelURL  string

	HTTPClient *http.Client
}

// NewProcessorClientFromEnv builds the processor client from environment
// configuration.
func NewProcessorClientFromEnv() *HTTPProcessorClient {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	successURL := strings.TrimSpace(env.GetEnv("CHECKOUT_SUCCESS_URL", ""))
	cancelURL := strings.TrimSpace(env.GetEnv("CHECKOUT_CANCEL_URL", ""))
	if successURL == "" && base != "" {
		successURL = base + "/billing/success"
	}
	if cancelURL == "" && base != "" {
		cancelURL = base + "/billing/cancelled"
	}

	return &HTTPProcessorClient{
		SecretKey:  strings.TrimSpace(env.GetEnv("PROCESSOR_SECRET_KEY", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("PROCESSOR_API_BASE_URL", defaultProcessorAPIBaseURL)),
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateCheckoutSession posts a session to the processor and returns its
// hosted checkout URL.
func (c *HTTPProcessorClient) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	if strings.TrimSpace(c.SecretKey) == "" {
		return nil, errors.New("PROCESSOR_SECRET_KEY is not configured")
	}

	form := url.Values{}
	form.Set("mode", params.Mode)
	form.Set("customer_email", params.CustomerEmail)
	form.Set("line_items[0][name]", params.ProductName)
	form.Set("line_items[0][amount]", params.Amount.StringFixed(2))
	form.Set("success_url", firstNonEmpty(params.SuccessURL, c.SuccessURL))
	form.Set("cancel_url", firstNonEmpty(params.CancelURL, c.CancelURL))
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	endpoint := strings.TrimRight(c.APIBaseURL, "/") + "/checkout/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("checkout session creation failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.URL) == "" {
		return nil, errors.New("checkout session response missing url")
	}
	return &CheckoutSession{ID: strings.TrimSpace(out.ID), URL: strings.TrimSpace(out.URL)}, nil
}

// CheckoutHandle is what the billing UI needs to send the user to the
// processor-hosted checkout page.
type CheckoutHandle struct {
	CheckoutURL string
	Price       decimal.Decimal
}

// CreateSubscriptionCheckout starts a subscription purchase. The price comes
// from the server-side plan table, never from the caller, and the metadata
// stamps what the webhook needs to create the subscription.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, accountID, accountEmail, planName, billingCycle string) (*CheckoutHandle, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	if s.processor == nil {
		return nil, errors.New("processor client is not configured")
	}

	plan, cycle, price, ok := ResolvePlanPrice(planName, billingCycle)
	if !ok {
		return nil, ErrUnknownPlan
	}

	session, err := s.processor.CreateCheckoutSession(ctx, CheckoutSessionParams{
		Mode:          CheckoutModeSubscription,
		CustomerEmail: accountEmail,
		ProductName:   fmt.Sprintf("Prospectly %s (%s)", plan, cycle),
		Amount:        price,
		Metadata: map[string]string{
			"accountId":    accountID,
			"accountEmail": accountEmail,
			"planName":     plan,
			"billingCycle": cycle,
		},
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutHandle{CheckoutURL: session.URL, Price: price}, nil
}

// CreateCreditCheckout starts a one-time credit package purchase.
func (s *Service) CreateCreditCheckout(ctx context.Context, accountID, accountEmail, packageID string) (*CheckoutHandle, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, errors.New("account_id is required")
	}
	if s.processor == nil {
		return nil, errors.New("processor client is not configured")
	}

	pkg, ok := ResolveCreditPackage(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}

	session, err := s.processor.CreateCheckoutSession(ctx, CheckoutSessionParams{
		Mode:          CheckoutModePayment,
		CustomerEmail: accountEmail,
		ProductName:   fmt.Sprintf("Prospectly credits (%s)", pkg.Credits.String()),
		Amount:        pkg.Price,
		Metadata: map[string]string{
			"accountId":    accountID,
			"accountEmail": accountEmail,
			"type":         MetadataTypeCreditPurchase,
			"credits":      pkg.Credits.String(),
			"packageId":    pkg.ID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &CheckoutHandle{CheckoutURL: session.URL, Price: pkg.Price}, nil
}
