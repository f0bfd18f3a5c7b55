// Package apiauth is the static bearer-token auth middleware: every
// request outside the excluded paths must carry X-Auth-Token matching the
// configured secret.
package apiauth

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"campaign-dialer/internal/apperr"
)

const headerName = "X-Auth-Token"

// excluded paths never require the header: health probes, docs, and the
// Prometheus scrape endpoint. GET /metrics (the JSON rollup) is part of the
// authenticated surface per spec.md §6; only the Prometheus text exposition
// added alongside it is left open for the scraper.
var excluded = map[string]bool{
	"/healthz":            true,
	"/readyz":             true,
	"/docs":               true,
	"/api-spec":           true,
	"/metrics/prometheus": true,
}

// RequireToken builds Fiber middleware comparing X-Auth-Token against
// token. Comparison is constant-time: this is a single shared secret, not a
// per-user password, so there is nothing for bcrypt-style hashing to buy —
// it would only add latency to every request.
func RequireToken(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		if excluded[c.Path()] {
			return c.Next()
		}

		got := []byte(c.Get(headerName))
		if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			ae := apperr.New(apperr.CodeUnauthorized, "missing or invalid "+headerName)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": ae})
		}
		return c.Next()
	}
}
