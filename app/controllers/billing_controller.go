package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/prospectly/prospectly/internal/pkg/billing"
	"github.com/prospectly/prospectly/internal/pkg/entitlements"
	"github.com/prospectly/prospectly/internal/pkg/env"
	"github.com/prospectly/prospectly/internal/pkg/metrics/counter"
)

var (
	billingService *billing.Service
	validate       = validator.New()
)

// InitializeBillingController wires the shared billing service into the
// package-level handlers.
func InitializeBillingController(svc *billing.Service) {
	billingService = svc
}

// HandleProcessorWebhook ingests one processor event. The raw body is read
// unparsed so signature verification sees exactly the delivered bytes.
func HandleProcessorWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Signature"))
	secret := env.GetEnv("PROCESSOR_WEBHOOK_SECRET", "")

	result, err := billingService.ProcessWebhook(c.Context(), rawBody, signature, secret)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureInvalid) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		}
		if errors.Is(err, billing.ErrMissingMetadata) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		log.Errorf("webhook processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	if err := counter.AddEventOutcome(result.EventType, result.Outcome); err != nil {
		log.Warnf("event outcome counter update failed: %v", err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received":  true,
		"eventType": result.EventType,
	})
}

// CheckoutRequest is the billing UI's request to start a purchase. Either a
// plan (with cycle) or a credit package is required; prices are resolved
// server-side and a client-sent price is never read.
type CheckoutRequest struct {
	AccountID    string `json:"accountId" validate:"required,min=1,max=64"`
	AccountEmail string `json:"accountEmail" validate:"omitempty,email,max=200"`
	PlanName     string `json:"planName" validate:"omitempty,max=50"`
	BillingCycle string `json:"billingCycle" validate:"omitempty,max=16"`
	PackageID    string `json:"packageId" validate:"omitempty,max=50"`
}

// HandleCreateCheckout starts a subscription or credit purchase flow.
func HandleCreateCheckout(c *fiber.Ctx) error {
	var req CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	var handle *billing.CheckoutHandle
	var err error
	switch {
	case req.PackageID != "":
		handle, err = billingService.CreateCreditCheckout(c.Context(), req.AccountID, req.AccountEmail, req.PackageID)
	case req.PlanName != "":
		handle, err = billingService.CreateSubscriptionCheckout(c.Context(), req.AccountID, req.AccountEmail, req.PlanName, req.BillingCycle)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "planName or packageId is required"})
	}
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlan) || errors.Is(err, billing.ErrUnknownPackage) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
		}
		log.Errorf("checkout creation failed for account %s: %v", req.AccountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "checkout creation failed"})
	}

	price, _ := handle.Price.Float64()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success":     true,
		"checkoutUrl": handle.CheckoutURL,
		"price":       price,
	})
}

// HandleGetBalance serves the current credit balance snapshot.
func HandleGetBalance(c *fiber.Ctx) error {
	accountID := strings.TrimSpace(c.Params("account_id"))
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id is required"})
	}

	bal, err := billingService.GetBalance(c.Context(), accountID)
	if err != nil {
		log.Errorf("balance lookup failed for account %s: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "balance lookup failed"})
	}
	return c.Status(fiber.StatusOK).JSON(bal)
}

// HandleGetSubscription serves the account's subscription, null when absent.
func HandleGetSubscription(c *fiber.Ctx) error {
	accountID := strings.TrimSpace(c.Params("account_id"))
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id is required"})
	}

	sub, err := billingService.GetSubscription(c.Context(), accountID)
	if err != nil {
		log.Errorf("subscription lookup failed for account %s: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscription lookup failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"subscription": sub})
}

// HandleListTransactions serves the ledger page, newest first.
func HandleListTransactions(c *fiber.Ctx) error {
	accountID := strings.TrimSpace(c.Params("account_id"))
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id is required"})
	}
	limit := c.QueryInt("limit", 50)

	txs, err := billingService.ListTransactions(c.Context(), accountID, limit)
	if err != nil {
		log.Errorf("transaction listing failed for account %s: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "transaction listing failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"transactions": txs})
}

// UsageRequest spends credits on behalf of a feature-gating collaborator.
type UsageRequest struct {
	AccountID   string  `json:"accountId" validate:"required,min=1,max=64"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Description string  `json:"description" validate:"omitempty,max=255"`
}

// HandleSpendCredits appends a usage transaction; spends exceeding the
// balance are rejected without mutating the ledger.
func HandleSpendCredits(c *fiber.Ctx) error {
	var req UsageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	amount := decimal.NewFromFloat(req.Amount)
	tx, err := billingService.SpendCredits(c.Context(), req.AccountID, amount, req.Description)
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientBalance) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_balance"})
		}
		log.Errorf("credit spend failed for account %s: %v", req.AccountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "credit spend failed"})
	}
	if err := counter.AddCreditSpend(amount); err != nil {
		log.Warnf("credit spend counter update failed: %v", err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"transaction": tx})
}

// HandleGetEntitlements serves the derived feature allowances for an account.
func HandleGetEntitlements(c *fiber.Ctx) error {
	accountID := strings.TrimSpace(c.Params("account_id"))
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "account_id is required"})
	}

	sub, err := billingService.GetSubscription(c.Context(), accountID)
	if err != nil {
		log.Errorf("entitlement lookup failed for account %s: %v", accountID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "entitlement lookup failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"entitlements": entitlements.ForSubscription(sub)})
}

// HandleGetBillingStats serves the Redis-backed webhook and spend counters.
func HandleGetBillingStats(c *fiber.Ctx) error {
	outcomes, err := counter.EventOutcomes()
	if err != nil {
		log.Errorf("event outcome snapshot failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}
	spend, err := counter.CreditSpendByDay()
	if err != nil {
		log.Errorf("credit spend snapshot failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"eventOutcomes":    outcomes,
		"creditSpendByDay": spend,
	})
}
