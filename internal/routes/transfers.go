package routes

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/peerpesa/settlement/internal/csrf"
	"github.com/peerpesa/settlement/internal/settlement"
)

// RegisterTransferRoutes wires the user-facing transfer endpoints. The guards
// run, in order, before a transfer is submitted.
func RegisterTransferRoutes(r fiber.Router, h *settlement.Handler, submitGuards ...fiber.Handler) {
	r.Get("/corridors", h.Corridors)
	r.Get("/quote", h.Quote)
	r.Get("/transfers", h.List)
	r.Get("/transfers/:recordId", h.Get)
	r.Post("/transfers", append(submitGuards, h.Create)...)
	r.Post("/payouts/callback", h.Callback)
}

// RegisterAdminRoutes wires operator endpoints behind guard.
func RegisterAdminRoutes(r fiber.Router, h *settlement.Handler, guard fiber.Handler) {
	admin := r.Group("/admin", guard)
	admin.Post("/reconcile", h.Reconcile)
	admin.Post("/payouts/:reference/requery", h.Requery)
}

// RegisterCSRFRoutes exposes token issuance for the transfer form.
func RegisterCSRFRoutes(r fiber.Router, issuer *csrf.Issuer, logger *slog.Logger) {
	r.Get("/csrf-token", func(c *fiber.Ctx) error {
		token, err := issuer.Issue(c.UserContext())
		if err != nil {
			logger.Error("issue csrf token", slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "csrf store unavailable")
		}
		return c.JSON(fiber.Map{
			"token":      token,
			"expires_in": int(issuer.TTL().Seconds()),
		})
	})
}
