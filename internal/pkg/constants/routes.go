package constants

// Static route constants
const (
	APIV1Route = "/api/v1"

	BillingWebhookRoute      = "/billing/webhook"
	BillingCheckoutRoute     = "/billing/checkout"
	BillingBalanceRoute      = "/billing/balance/:account_id"
	BillingSubscriptionRoute = "/billing/subscription/:account_id"
	BillingTransactionsRoute = "/billing/transactions/:account_id"
	BillingUsageRoute        = "/billing/usage"
	BillingEntitlementsRoute = "/billing/entitlements/:account_id"
	BillingStatsRoute        = "/billing/stats"
)
