// Package adminapi exposes the read-only HTTP surface external
// observers (the admin API named in SPEC_FULL.md's ambient stack) use
// to inspect tasks, steps, and events, plus health/ready/live probes
// and a Prometheus scrape endpoint.
package adminapi

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter wires h's routes onto app, including the shared
// middleware stack, swagger passthrough, and a /metrics route scraping
// gatherer (pass nil for prometheus.DefaultGatherer).
func SetupRouter(app *fiber.App, h *Handler, gatherer prometheus.Gatherer) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} - ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
	}))

	app.Get("/swagger/*", swagger.HandlerDefault)

	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/live", h.Live)

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := app.Group("/api/v1")
	v1.Get("/tasks", h.ListTasks)
	v1.Get("/tasks/:id/steps", h.ListSteps)
	v1.Get("/events", h.ListEvents)
}
