package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/peerpesa/settlement/internal/csrf"
)

// CSRFHeader carries the token issued by GET /api/v1/csrf-token.
const CSRFHeader = "X-CSRF-Token"

// CSRF rejects state-changing requests without a live token.
func CSRF(issuer *csrf.Issuer, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}
		if err := issuer.Validate(c.UserContext(), c.Get(CSRFHeader)); err != nil {
			if errors.Is(err, csrf.ErrInvalidToken) {
				return fiber.NewError(http.StatusForbidden, "missing or expired csrf token")
			}
			logger.Error("csrf lookup failed", slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "csrf store unavailable")
		}
		return c.Next()
	}
}
