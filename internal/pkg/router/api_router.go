package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/prospectly/prospectly/app/controllers"
	"github.com/prospectly/prospectly/internal/pkg/constants"
	"github.com/prospectly/prospectly/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// The webhook authenticates by signature, not by internal token, and must
	// never be rate limited so processor retry bursts are not dropped. The
	// group middleware applies to every route under the prefix, so the
	// exemption has to live in the limiter itself.
	api := app.Group(constants.APIV1Route, limiter.New(limiter.Config{
		Max: 120,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == constants.APIV1Route+constants.BillingWebhookRoute
		},
	}))

	api.Post(constants.BillingWebhookRoute, controllers.HandleProcessorWebhook)
	api.Post(constants.BillingCheckoutRoute, controllers.HandleCreateCheckout)

	authed := api.Group("", middleware.InternalTokenMiddleware())
	authed.Get(constants.BillingBalanceRoute, controllers.HandleGetBalance)
	authed.Get(constants.BillingSubscriptionRoute, controllers.HandleGetSubscription)
	authed.Get(constants.BillingTransactionsRoute, controllers.HandleListTransactions)
	authed.Post(constants.BillingUsageRoute, controllers.HandleSpendCredits)
	authed.Get(constants.BillingEntitlementsRoute, controllers.HandleGetEntitlements)
	authed.Get(constants.BillingStatsRoute, controllers.HandleGetBillingStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
