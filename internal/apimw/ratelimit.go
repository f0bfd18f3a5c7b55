// Package apimw carries the HTTP-layer middleware that isn't
// authentication: currently a best-effort inbound rate limiter for the
// bulk-initiate endpoint, independent of the domain concurrency cap
// enforced by internal/admission.
package apimw

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"campaign-dialer/internal/apperr"
)

// BulkInitiateLimiter builds a process-wide token bucket limiter: rps
// requests per second, burst allowed to spike to burst. It guards against a
// caller hammering /bulk-initiate-calls, which is far more expensive per
// request than the rest of the API surface.
func BulkInitiateLimiter(rps float64, burst int) fiber.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *fiber.Ctx) error {
		if !limiter.Allow() {
			ae := apperr.TooManyRequests("bulk initiate rate limit exceeded")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": ae})
		}
		return c.Next()
	}
}
