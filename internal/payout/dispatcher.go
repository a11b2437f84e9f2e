package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/ledger"
)

// ErrSettlementNotConfirmed mirrors the ledger invariant: no payout before
// on-chain settlement is CONFIRMED.
var ErrSettlementNotConfirmed = ledger.ErrSettlementNotConfirmed

// ErrInvalidPayout rejects a dispatch missing amount, receiver or currency.
var ErrInvalidPayout = errors.New("payout: amount, receiver and currency are required")

// ReferencePrefix prefixes every processor reference.
const ReferencePrefix = "PEERPESA_"

// Reference returns the processor reference for a settlement attempt. It is
// deterministic so retries reach the processor with the same key.
func Reference(settlementAttemptID string) string {
	return ReferencePrefix + settlementAttemptID
}

// DispatchInput is one payout request.
type DispatchInput struct {
	SettlementAttemptID string
	Amount              decimal.Decimal
	Receiver            string
	Country             string
	Operator            string
	Currency            string
	BeneficiaryName     string
	CSRFToken           string
}

// Dispatcher creates payout attempts and calls the processor. It never
// writes ledger records.
type Dispatcher struct {
	processor Processor
	attempts  ledger.Attempts
	guard     Guard
	catalog   *corridor.Catalog
	logger    *slog.Logger
}

// NewDispatcher wires a dispatcher. A nil guard falls back to an in-process one.
func NewDispatcher(processor Processor, attempts ledger.Attempts, guard Guard, catalog *corridor.Catalog, logger *slog.Logger) *Dispatcher {
	if guard == nil {
		guard = NewLocalGuard()
	}
	return &Dispatcher{processor: processor, attempts: attempts, guard: guard, catalog: catalog, logger: logger}
}

// Dispatch sends the payout for a confirmed settlement attempt. Calling it
// again for the same settlement attempt returns the existing attempt without
// contacting the processor.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (ledger.PayoutAttempt, error) {
	if !in.Amount.IsPositive() || strings.TrimSpace(in.Receiver) == "" || strings.TrimSpace(in.Currency) == "" {
		return ledger.PayoutAttempt{}, ErrInvalidPayout
	}
	if d.catalog != nil {
		if err := d.catalog.ValidateOperator(in.Country, in.Operator); err != nil {
			return ledger.PayoutAttempt{}, err
		}
	}

	settlement, err := d.attempts.GetSettlement(ctx, in.SettlementAttemptID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.PayoutAttempt{}, ErrSettlementNotConfirmed
		}
		return ledger.PayoutAttempt{}, err
	}
	if settlement.ChainStatus != ledger.ChainConfirmed {
		return ledger.PayoutAttempt{}, ErrSettlementNotConfirmed
	}

	release, err := d.guard.Acquire(ctx, settlement.ID)
	if err != nil {
		return ledger.PayoutAttempt{}, err
	}
	defer release()

	if existing, err := d.attempts.GetPayoutBySettlement(ctx, settlement.ID); err == nil {
		d.logger.Info("payout already dispatched",
			slog.String("settlement_attempt_id", settlement.ID),
			slog.String("payout_attempt_id", existing.ID),
			slog.String("status", string(existing.Status)))
		return existing, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.PayoutAttempt{}, err
	}

	reference := Reference(settlement.ID)
	attempt, err := d.attempts.CreatePayout(ctx, ledger.PayoutAttempt{
		SettlementAttemptID: settlement.ID,
		ProcessorReference:  reference,
	})
	if errors.Is(err, ledger.ErrDuplicatePayout) {
		return attempt, nil
	}
	if err != nil {
		return ledger.PayoutAttempt{}, err
	}

	if attempt, err = d.attempts.UpdatePayout(ctx, attempt.ID, ledger.PayoutUpdate{Status: ledger.PayoutDispatched}); err != nil {
		return ledger.PayoutAttempt{}, err
	}

	resp, callErr := d.processor.CreateTransfer(ctx, Instruction{
		Reference:       reference,
		Amount:          in.Amount,
		Currency:        strings.ToUpper(in.Currency),
		Receiver:        in.Receiver,
		Operator:        in.Operator,
		BeneficiaryName: in.BeneficiaryName,
		CSRFToken:       in.CSRFToken,
	})
	status := Classify(resp, callErr)

	update := ledger.PayoutUpdate{Status: status, RawPayload: rawPayload(resp, callErr)}
	if resp.Data != nil {
		update.ProcessorTransferID = string(resp.Data.ID)
	}

	attrs := []any{
		slog.String("payout_attempt_id", attempt.ID),
		slog.String("reference", reference),
		slog.Int("http_status", resp.HTTPStatus),
		slog.String("processor_status", resp.Status.String()),
		slog.String("payout_status", string(status)),
	}
	if callErr != nil {
		attrs = append(attrs, slog.Any("error", callErr))
		d.logger.Warn("payout call failed", attrs...)
	} else {
		d.logger.Info("payout dispatched", attrs...)
	}

	updated, err := d.attempts.UpdatePayout(ctx, attempt.ID, update)
	if err != nil {
		// The processor outcome is known even though it was not persisted.
		attempt.Status = status
		attempt.ProcessorTransferID = update.ProcessorTransferID
		return attempt, fmt.Errorf("persist payout outcome: %w", err)
	}
	return updated, nil
}

// Requery asks the processor for the current state of an attempt and stores
// any change. Lookup failures leave the attempt untouched.
func (d *Dispatcher) Requery(ctx context.Context, attempt ledger.PayoutAttempt, amount decimal.Decimal, currency string) (ledger.PayoutAttempt, error) {
	if attempt.Status.Terminal() {
		return attempt, nil
	}
	resp, err := d.processor.QueryTransfer(ctx, attempt.ProcessorReference)
	if err != nil {
		return attempt, fmt.Errorf("requery %s: %w", attempt.ProcessorReference, err)
	}
	status := ClassifyVerification(resp, amount, currency)
	d.logger.Info("payout requeried",
		slog.String("payout_attempt_id", attempt.ID),
		slog.String("reference", attempt.ProcessorReference),
		slog.String("payout_status", string(status)))
	if status == attempt.Status {
		return attempt, nil
	}
	update := ledger.PayoutUpdate{Status: status, RawPayload: resp.Raw}
	if resp.Data != nil {
		update.ProcessorTransferID = string(resp.Data.ID)
	}
	return d.attempts.UpdatePayout(ctx, attempt.ID, update)
}

// Apply stores a pushed processor result, typically from a webhook.
func (d *Dispatcher) Apply(ctx context.Context, reference string, status ledger.PayoutStatus, raw []byte) (ledger.PayoutAttempt, error) {
	attempt, err := d.attempts.GetPayoutByReference(ctx, reference)
	if err != nil {
		return ledger.PayoutAttempt{}, err
	}
	if attempt.Status.Terminal() || status == attempt.Status || status == ledger.PayoutAmbiguous {
		return attempt, nil
	}
	return d.attempts.UpdatePayout(ctx, attempt.ID, ledger.PayoutUpdate{Status: status, RawPayload: raw})
}

func rawPayload(resp Response, err error) []byte {
	if len(resp.Raw) > 0 {
		return resp.Raw
	}
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return payload
	}
	return nil
}
