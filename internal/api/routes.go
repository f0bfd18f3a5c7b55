package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"campaign-dialer/internal/apimw"
)

// SetupRoutes wires the full HTTP surface: health probes, introspection,
// Prometheus scrape, and the authenticated campaign/call API.
//
// GET /metrics is the spec's JSON rollup (current_concurrent_calls, etc.);
// the Prometheus text exposition the scrape target needs lives at
// /metrics/prometheus instead, since the two can't share a path without one
// of them changing content type based on an Accept header the spec never
// mentions.
func SetupRoutes(app *fiber.App, logger *zap.Logger, authToken string, h *Handlers) {
	SetupMiddleware(app, logger, authToken)

	app.Get("/healthz", h.HealthCheck)
	app.Get("/readyz", h.ReadyCheck)

	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "Outbound Call Dialer API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"create_campaign":     "POST /campaigns",
				"list_campaigns":      "GET /campaigns",
				"get_campaign":        "GET /campaigns/{id}",
				"add_phone_numbers":   "POST /phone-numbers",
				"initiate_call":       "POST /initiate-call",
				"bulk_initiate_calls": "POST /bulk-initiate-calls",
				"callback":            "PUT /callback",
				"metrics":             "GET /metrics",
				"prometheus":          "GET /metrics/prometheus",
			},
			"auth": "Add header: X-Auth-Token: <configured token>",
		})
	})

	app.Get("/api-spec", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"openapi": "3.0.0",
			"info": fiber.Map{
				"title":   "Outbound Call Dialer API",
				"version": "1.0.0",
			},
			"components": fiber.Map{
				"securitySchemes": fiber.Map{
					"AuthToken": fiber.Map{"type": "apiKey", "in": "header", "name": "X-Auth-Token"},
				},
			},
			"paths": fiber.Map{
				"/campaigns": fiber.Map{
					"post": fiber.Map{"summary": "Create campaign", "security": []fiber.Map{{"AuthToken": []string{}}}},
					"get":  fiber.Map{"summary": "List campaigns", "security": []fiber.Map{{"AuthToken": []string{}}}},
				},
				"/initiate-call": fiber.Map{
					"post": fiber.Map{"summary": "Initiate a single call", "security": []fiber.Map{{"AuthToken": []string{}}}},
				},
				"/bulk-initiate-calls": fiber.Map{
					"post": fiber.Map{"summary": "Initiate calls in bulk", "security": []fiber.Map{{"AuthToken": []string{}}}},
				},
				"/callback": fiber.Map{
					"put": fiber.Map{"summary": "Provider status callback", "security": []fiber.Map{{"AuthToken": []string{}}}},
				},
			},
		})
	})

	app.Get("/metrics/prometheus", func(c *fiber.Ctx) error {
		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("error gathering metrics")
		}
		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, mf := range metricFamilies {
			name := mf.GetName()
			for _, m := range mf.GetMetric() {
				switch {
				case m.GetCounter() != nil:
					c.WriteString(fmt.Sprintf("# TYPE %s counter\n%s %g\n", name, name, m.GetCounter().GetValue()))
				case m.GetGauge() != nil:
					c.WriteString(fmt.Sprintf("# TYPE %s gauge\n%s %g\n", name, name, m.GetGauge().GetValue()))
				case m.GetHistogram() != nil:
					hist := m.GetHistogram()
					c.WriteString(fmt.Sprintf("# TYPE %s histogram\n%s_count %d\n%s_sum %g\n",
						name, name, hist.GetSampleCount(), name, hist.GetSampleSum()))
				}
			}
		}
		return nil
	})

	app.Get("/metrics", h.Metrics)

	app.Post("/campaigns", h.CreateCampaign)
	app.Get("/campaigns", h.ListCampaigns)
	app.Get("/campaigns/:id", h.GetCampaign)

	app.Post("/phone-numbers", h.AddPhoneNumbers)

	app.Post("/initiate-call", h.InitiateCall)
	app.Post("/bulk-initiate-calls", apimw.BulkInitiateLimiter(5, 10), h.BulkInitiateCalls)

	app.Put("/callback", h.HandleCallback)
}
