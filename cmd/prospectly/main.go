package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/prospectly/prospectly/app/controllers"
	"github.com/prospectly/prospectly/internal/pkg/billing"
	"github.com/prospectly/prospectly/internal/pkg/cache"
	"github.com/prospectly/prospectly/internal/pkg/database"
	"github.com/prospectly/prospectly/internal/pkg/dunning"
	"github.com/prospectly/prospectly/internal/pkg/env"
	"github.com/prospectly/prospectly/internal/pkg/router"
)

const trialSweepInterval = time.Hour

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Dunning notices are delivered out of band by the Redis-backed queue.
	notices := dunning.NewQueue(2, nil)
	notices.Start()

	svc := billing.NewServiceFromDB(
		database.GetDB(),
		billing.NewProcessorClientFromEnv(),
		notices,
		billing.NewRedisEventReserver(cache.GetClient()),
	)
	controllers.InitializeBillingController(svc)

	go sweepLapsedTrials(svc)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "prospectly-billing",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	}), monitor.New())

	router.InstallRouter(app)

	return app
}

// sweepLapsedTrials expires trialing subscriptions whose window passed
// without a payment event. One sweep runs immediately so trials that lapsed
// while the process was down are not left live for another interval.
func sweepLapsedTrials(svc *billing.Service) {
	sweep := func() {
		if _, err := svc.ExpireLapsedTrials(context.Background()); err != nil {
			log.Printf("trial sweep failed: %v", err)
		}
	}

	sweep()
	ticker := time.NewTicker(trialSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		sweep()
	}
}
