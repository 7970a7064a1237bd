package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp assembles the REST application around the handlers.
func NewApp(handlers *APIHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("fundpipe API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Get("/status", handlers.GetStatus)

	app.Post("/runs", handlers.LaunchRun)

	p := app.Group("/processes")
	p.Get("/latest", handlers.GetLatestProcess)
	p.Get("/:id", handlers.GetProcess)
	p.Get("/:id/executions", handlers.ListExecutions)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/events", handlers.GetExecutionEvents)

	s := app.Group("/standbys")
	s.Get("/", handlers.ListStandBys)
	s.Post("/:id/resolve", handlers.ResolveStandBy)

	f := app.Group("/fund-problems")
	f.Get("/", handlers.ListFundProblems)
	f.Post("/:id/clear", handlers.ClearFundProblem)

	return app
}
