package settlement

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/chain"
	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/fees"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/payout"
	"github.com/peerpesa/settlement/internal/rates"
	"github.com/peerpesa/settlement/internal/wizard"
)

const defaultReconcileLimit = 100

// Handler exposes transfer, payout callback and admin endpoints.
type Handler struct {
	orchestrator   *Orchestrator
	reducer        *wizard.Reducer
	catalog        *corridor.Catalog
	feeBasisPoints int64
	webhookHash    string
	logger         *slog.Logger
}

// HandlerConfig carries the request-facing settings of a Handler.
type HandlerConfig struct {
	FeeBasisPoints int64
	WebhookHash    string
}

// NewHandler constructs a transfer handler.
func NewHandler(orchestrator *Orchestrator, reducer *wizard.Reducer, catalog *corridor.Catalog, cfg HandlerConfig, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator:   orchestrator,
		reducer:        reducer,
		catalog:        catalog,
		feeBasisPoints: cfg.FeeBasisPoints,
		webhookHash:    cfg.WebhookHash,
		logger:         logger,
	}
}

type createTransferRequest struct {
	TransferID      string `json:"transfer_id"`
	UserAddress     string `json:"user_address"`
	Token           string `json:"token"`
	Amount          string `json:"amount"`
	Country         string `json:"country"`
	Phone           string `json:"phone"`
	Operator        string `json:"operator"`
	BeneficiaryName string `json:"beneficiary_name"`
}

// Create runs a transfer submitted from the review step of the wizard.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createTransferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	state, err := h.reducer.Run(
		wizard.SelectCountry{Country: req.Country},
		wizard.EnterDetails{
			UserAddress:     req.UserAddress,
			Token:           req.Token,
			Amount:          req.Amount,
			Phone:           req.Phone,
			Operator:        req.Operator,
			BeneficiaryName: req.BeneficiaryName,
		},
		wizard.Confirm{},
	)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	submitted, ok := state.(wizard.Submitted)
	if !ok {
		return fiber.NewError(http.StatusBadRequest, "transfer not confirmed")
	}

	transferID := strings.TrimSpace(req.TransferID)
	if transferID == "" {
		transferID = strings.TrimSpace(c.Get("Idempotency-Key"))
	}
	if transferID == "" {
		transferID = uuid.NewString()
	}

	out, err := h.orchestrator.Execute(c.UserContext(), RequestFromWizard(transferID, submitted.Request))
	if err != nil {
		return h.transferError(err)
	}

	status := http.StatusOK
	if out.Status == ledger.DisplayPending {
		status = http.StatusAccepted
	}
	return c.Status(status).JSON(out)
}

func (h *Handler) transferError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, fees.ErrInvalidAmount), errors.Is(err, chain.ErrUnsupportedToken), errors.Is(err, chain.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTransferInProgress):
		return fiber.NewError(http.StatusConflict, "transfer already in progress")
	case errors.Is(err, rates.ErrRateUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "exchange rate unavailable, no funds were moved")
	case errors.Is(err, chain.ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient token balance")
	case errors.Is(err, chain.ErrWalletUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "wallet unavailable, no funds were moved")
	case errors.Is(err, ledger.ErrStorage):
		h.logger.Error("transfer storage failure", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "ledger unavailable")
	default:
		h.logger.Error("transfer failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}

// List returns the ledger history of an address.
func (h *Handler) List(c *fiber.Ctx) error {
	address := strings.TrimSpace(c.Query("address"))
	if !common.IsHexAddress(address) {
		return fiber.NewError(http.StatusBadRequest, "address query parameter must be a hex account")
	}
	records, err := h.orchestrator.History(c.UserContext(), address)
	if err != nil {
		h.logger.Error("history failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "ledger unavailable")
	}
	return c.JSON(fiber.Map{"records": records})
}

// Get returns one transfer by record id.
func (h *Handler) Get(c *fiber.Ctx) error {
	out, err := h.orchestrator.Get(c.UserContext(), c.Params("recordId"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "transfer not found")
		}
		h.logger.Error("get transfer failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "ledger unavailable")
	}
	return c.JSON(out)
}

// Quote prices a transfer without moving funds.
func (h *Handler) Quote(c *fiber.Ctx) error {
	principal, err := decimal.NewFromString(strings.TrimSpace(c.Query("amount")))
	if err != nil || !principal.IsPositive() {
		return fiber.NewError(http.StatusBadRequest, "amount must be a positive number")
	}
	currency, err := h.catalog.Currency(c.Query("country"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	token := c.Query("token", "cUSD")

	quote, err := h.orchestrator.Quote(c.UserContext(), principal, token, currency, h.feeBasisPoints)
	if err != nil {
		return h.transferError(err)
	}
	return c.JSON(quote)
}

// Corridors lists supported destination countries and operators.
func (h *Handler) Corridors(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"countries": h.catalog.Countries()})
}

// Callback applies a processor webhook.
func (h *Handler) Callback(c *fiber.Ctx) error {
	if err := payout.VerifyWebhook(h.webhookHash, c.Get("verif-hash")); err != nil {
		return fiber.NewError(http.StatusUnauthorized, "invalid signature")
	}
	event, err := payout.ParseWebhook(c.Body())
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	out, err := h.orchestrator.ApplyPayoutUpdate(c.UserContext(), event.Reference, event.Status, event.Raw)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "unknown payout reference")
		}
		h.logger.Error("apply payout callback failed", slog.String("reference", event.Reference), slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "callback not applied")
	}
	h.logger.Info("payout callback applied",
		slog.String("reference", event.Reference),
		slog.String("event", event.Event),
		slog.String("state", string(out.State)))
	return c.JSON(fiber.Map{"status": "ok", "state": out.State})
}

// Requery re-reads a payout from the processor by reference.
func (h *Handler) Requery(c *fiber.Ctx) error {
	out, err := h.orchestrator.RequeryPayout(c.UserContext(), c.Params("reference"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "unknown payout reference")
		}
		h.logger.Warn("payout requery failed", slog.String("reference", c.Params("reference")), slog.Any("error", err))
		return fiber.NewError(http.StatusBadGateway, "processor lookup failed")
	}
	return c.JSON(out)
}

// Reconcile runs one reconciliation pass.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultReconcileLimit)
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	report, err := h.orchestrator.Reconcile(c.UserContext(), limit)
	if err != nil {
		h.logger.Error("reconcile failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "reconcile failed")
	}
	return c.JSON(report)
}
