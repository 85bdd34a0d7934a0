package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeProcessor struct {
	lastParams CheckoutSessionParams
	session    *CheckoutSession
	err        error
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	p.lastParams = params
	if p.err != nil {
		return nil, p.err
	}
	return p.session, nil
}

func TestCreateSubscriptionCheckout(t *testing.T) {
	proc := &fakeProcessor{session: &CheckoutSession{ID: "cs_1", URL: "https://pay.example.com/cs_1"}}
	svc := NewService(newMemoryRepo(), proc, nil, nil)

	handle, err := svc.CreateSubscriptionCheckout(context.Background(), "a1", "a1@example.com", "Professional", "monthly")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.CheckoutURL != "https://pay.example.com/cs_1" {
		t.Fatalf("unexpected checkout url %q", handle.CheckoutURL)
	}
	if !handle.Price.Equal(decimal.NewFromInt(197)) {
		t.Fatalf("expected server-resolved price 197, got %s", handle.Price)
	}

	md := proc.lastParams.Metadata
	if md["accountId"] != "a1" || md["planName"] != "professional" || md["billingCycle"] != "monthly" {
		t.Fatalf("metadata not stamped for webhook: %v", md)
	}
	if proc.lastParams.Mode != CheckoutModeSubscription {
		t.Fatalf("expected subscription mode, got %q", proc.lastParams.Mode)
	}
}

func TestCreateSubscriptionCheckout_UnknownPlan(t *testing.T) {
	proc := &fakeProcessor{session: &CheckoutSession{URL: "https://pay.example.com/x"}}
	svc := NewService(newMemoryRepo(), proc, nil, nil)

	if _, err := svc.CreateSubscriptionCheckout(context.Background(), "a1", "", "platinum", "monthly"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if proc.lastParams.Mode != "" {
		t.Fatalf("processor must not be called for unknown plans")
	}
}

func TestCreateCreditCheckout(t *testing.T) {
	proc := &fakeProcessor{session: &CheckoutSession{ID: "cs_2", URL: "https://pay.example.com/cs_2"}}
	svc := NewService(newMemoryRepo(), proc, nil, nil)

	handle, err := svc.CreateCreditCheckout(context.Background(), "a1", "a1@example.com", "p2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handle.Price.Equal(decimal.NewFromInt(199)) {
		t.Fatalf("expected package price 199, got %s", handle.Price)
	}

	md := proc.lastParams.Metadata
	if md["type"] != MetadataTypeCreditPurchase || md["credits"] != "500" || md["packageId"] != "p2" {
		t.Fatalf("metadata not stamped for webhook: %v", md)
	}
	if proc.lastParams.Mode != CheckoutModePayment {
		t.Fatalf("expected one-time payment mode, got %q", proc.lastParams.Mode)
	}

	if _, err := svc.CreateCreditCheckout(context.Background(), "a1", "", "p9"); !errors.Is(err, ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
}

func TestHTTPProcessorClient_CreateCheckoutSession(t *testing.T) {
	var gotForm url.Values
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("bad form: %v", err)
		}
		gotForm = r.PostForm
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_9", "url": "https://pay.example.com/cs_9"})
	}))
	defer srv.Close()

	client := &HTTPProcessorClient{
		SecretKey:  "sk_test",
		APIBaseURL: srv.URL,
		SuccessURL: "https://app.example.com/billing/success",
		CancelURL:  "https://app.example.com/billing/cancelled",
		HTTPClient: srv.Client(),
	}

	session, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		Mode:        CheckoutModeSubscription,
		ProductName: "Prospectly professional (monthly)",
		Amount:      decimal.NewFromInt(197),
		Metadata:    map[string]string{"accountId": "a1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ID != "cs_9" || session.URL != "https://pay.example.com/cs_9" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotForm.Get("line_items[0][amount]") != "197.00" {
		t.Fatalf("expected amount 197.00, got %q", gotForm.Get("line_items[0][amount]"))
	}
	if gotForm.Get("metadata[accountId]") != "a1" {
		t.Fatalf("expected metadata forwarded, got %v", gotForm)
	}
	if gotForm.Get("success_url") != "https://app.example.com/billing/success" {
		t.Fatalf("expected configured success url, got %q", gotForm.Get("success_url"))
	}
}

func TestHTTPProcessorClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := &HTTPProcessorClient{SecretKey: "sk_test", APIBaseURL: srv.URL, HTTPClient: srv.Client()}
	if _, err := client.CreateCheckoutSession(context.Background(), CheckoutSessionParams{Mode: CheckoutModePayment, Amount: decimal.NewFromInt(49)}); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}
