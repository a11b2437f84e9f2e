package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/peerpesa/settlement/internal/chain"
	"github.com/peerpesa/settlement/internal/fees"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/payout"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Resolved int `json:"resolved"`
	Pending  int `json:"pending"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Reconcile walks PENDING records oldest first. Unresolved debits are
// re-checked on chain, confirmed settlements without a payout are dispatched
// and open payouts are re-queried by processor reference.
func (o *Orchestrator) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.reconcile")
	defer span.End()

	records, err := o.store.ListPending(ctx, limit)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Scanned: len(records)}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := o.reconcileRecord(ctx, rec)
		switch {
		case errors.Is(err, ErrTransferInProgress):
			report.Skipped++
		case err != nil:
			report.Errors++
			o.logger.Warn("reconcile record failed", slog.String("record_id", rec.ID), slog.Any("error", err))
		case out.Status == ledger.DisplayPending:
			report.Pending++
		default:
			report.Resolved++
		}
	}
	span.SetAttributes(
		attribute.Int("reconcile.scanned", report.Scanned),
		attribute.Int("reconcile.resolved", report.Resolved),
	)
	o.logger.Info("reconcile pass finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("resolved", report.Resolved),
		slog.Int("pending", report.Pending),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", report.Errors))
	return report, nil
}

// backfillTxHash restores a hash that only reached the ledger record. A failed
// write keeps the hash in memory so the receipt can still be checked.
func (o *Orchestrator) backfillTxHash(ctx context.Context, sa ledger.SettlementAttempt, txHash string) ledger.SettlementAttempt {
	err := o.retryStorage(ctx, "backfill tx hash", func() error {
		updated, err := o.store.UpdateSettlement(ctx, sa.ID, txHash, ledger.ChainPending)
		if err == nil {
			sa = updated
		}
		return err
	})
	if err != nil {
		o.logger.Warn("backfill tx hash failed", slog.String("attempt_id", sa.ID), slog.String("tx_hash", txHash), slog.Any("error", err))
		sa.ChainTxHash = txHash
	}
	return sa
}

func (o *Orchestrator) reconcileRecord(ctx context.Context, rec ledger.Record) (Outcome, error) {
	release, err := o.locks.Acquire(ctx, transferLockKey(rec.TransferID))
	if err != nil {
		if errors.Is(err, payout.ErrDispatchInProgress) {
			return Outcome{}, ErrTransferInProgress
		}
		return Outcome{}, err
	}
	defer release()
	ctx = context.WithoutCancel(ctx)

	out, err := o.describe(ctx, rec)
	if err != nil {
		return out, err
	}
	if out.Settlement == nil {
		return out, fmt.Errorf("settlement attempt %s: %w", rec.SettlementAttemptID, ledger.ErrNotFound)
	}
	sa := *out.Settlement

	if sa.ChainStatus == ledger.ChainPending {
		if sa.ChainTxHash == "" {
			if rec.ChainTxHash == "" {
				return out, nil
			}
			sa = o.backfillTxHash(ctx, sa, rec.ChainTxHash)
			out.Settlement = &sa
		}
		status, err := o.chain.Receipt(ctx, sa.ChainTxHash)
		if err != nil {
			return out, fmt.Errorf("receipt %s: %w", sa.ChainTxHash, err)
		}
		switch status {
		case chain.StatusPending:
			return out, nil
		case chain.StatusConfirmed:
			sa, err = o.store.UpdateSettlement(ctx, sa.ID, sa.ChainTxHash, ledger.ChainConfirmed)
			if err != nil {
				return out, err
			}
			out.Settlement = &sa
			o.advance(ctx, &out, StateChainConfirmed)
		case chain.StatusFailed:
			sa = o.markChainFailed(ctx, sa)
			out.Settlement = &sa
		}
	}

	if sa.ChainStatus == ledger.ChainFailed {
		err := o.retryStorage(ctx, "update record status", func() error {
			return o.store.UpdateStatus(ctx, rec.ID, ledger.DisplayFailed)
		})
		if err != nil {
			return out, err
		}
		out.CompletedAt = time.Now().UTC()
		o.advance(ctx, &out, StateChainFailed)
		o.notify(ctx, out, rec)
		return out, nil
	}

	if out.Payout == nil {
		return o.dispatch(ctx, &out, rec, sa, "")
	}

	attempt := *out.Payout
	if !attempt.Status.Terminal() {
		attempt, err = o.payouts.Requery(ctx, attempt, rec.Amount, rec.Currency)
		if err != nil {
			return out, err
		}
		out.Payout = &attempt
	}
	o.linkPayout(ctx, rec, attempt)
	if !attempt.Status.Terminal() {
		return out, nil
	}
	return o.applyPayout(ctx, &out, rec, attempt.Status)
}

// ApplyPayoutUpdate records a processor push for the attempt with reference
// and settles the matching record when the result is terminal.
func (o *Orchestrator) ApplyPayoutUpdate(ctx context.Context, reference string, status ledger.PayoutStatus, raw []byte) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	attempt, err := o.payouts.Apply(ctx, reference, status, raw)
	if err != nil {
		return Outcome{}, err
	}
	return o.settlePayout(ctx, attempt)
}

// RequeryPayout asks the processor for the state of the payout with reference.
func (o *Orchestrator) RequeryPayout(ctx context.Context, reference string) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	attempt, err := o.store.GetPayoutByReference(ctx, reference)
	if err != nil {
		return Outcome{}, err
	}
	rec, err := o.recordForPayout(ctx, attempt)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := o.payouts.Requery(ctx, attempt, rec.Amount, rec.Currency); err != nil {
		return Outcome{}, err
	}
	updated, err := o.store.GetPayout(ctx, attempt.ID)
	if err != nil {
		return Outcome{}, err
	}
	return o.settlePayout(ctx, updated)
}

func (o *Orchestrator) settlePayout(ctx context.Context, attempt ledger.PayoutAttempt) (Outcome, error) {
	rec, err := o.recordForPayout(ctx, attempt)
	if err != nil {
		return Outcome{}, err
	}
	out, err := o.describe(ctx, rec)
	if err != nil {
		return out, err
	}
	if rec.Status != ledger.DisplayPending || !attempt.Status.Terminal() {
		return out, nil
	}
	o.linkPayout(ctx, rec, attempt)
	return o.applyPayout(ctx, &out, rec, attempt.Status)
}

func (o *Orchestrator) recordForPayout(ctx context.Context, attempt ledger.PayoutAttempt) (ledger.Record, error) {
	sa, err := o.store.GetSettlement(ctx, attempt.SettlementAttemptID)
	if err != nil {
		return ledger.Record{}, err
	}
	return o.store.GetByTransfer(ctx, sa.TransferID)
}

// Get returns the current view of a ledger record.
func (o *Orchestrator) Get(ctx context.Context, recordID string) (Outcome, error) {
	rec, err := o.store.Get(ctx, recordID)
	if err != nil {
		return Outcome{}, err
	}
	return o.describe(ctx, rec)
}

// History lists a user's records most recent first.
func (o *Orchestrator) History(ctx context.Context, userAddress string) ([]ledger.Record, error) {
	return o.store.ListByUser(ctx, userAddress)
}

// Quote is the price of a transfer before it is submitted.
type Quote struct {
	Token    string          `json:"token"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"principal"`
	Fee      decimal.Decimal `json:"fee"`
	Total    decimal.Decimal `json:"total"`
	Payout   decimal.Decimal `json:"payout_amount"`
}

// Quote converts principal and computes the debit without side effects.
func (o *Orchestrator) Quote(ctx context.Context, principal decimal.Decimal, token, currency string, feeBasisPoints int64) (Quote, error) {
	total, err := fees.ComputeTotal(principal, feeBasisPoints)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	fee, _ := fees.Fee(principal, feeBasisPoints)
	amount, err := o.rates.Convert(ctx, principal, token, currency)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Token: token, Currency: currency, Amount: principal, Fee: fee, Total: total, Payout: amount}, nil
}

// describe rebuilds an Outcome from a record and its attempts.
func (o *Orchestrator) describe(ctx context.Context, rec ledger.Record) (Outcome, error) {
	out := Outcome{
		TransferID: rec.TransferID,
		RecordID:   rec.ID,
		Status:     rec.Status,
		Token:      rec.Token,
		Total:      rec.DebitedAmount,
		Amount:     rec.Amount,
		Currency:   rec.Currency,
	}

	attempts, err := o.store.ListSettlements(ctx, rec.TransferID)
	if err != nil {
		return out, err
	}
	out.Attempts = len(attempts)
	for i := range attempts {
		if attempts[i].ID == rec.SettlementAttemptID {
			sa := attempts[i]
			out.Settlement = &sa
		}
	}
	if out.Settlement != nil {
		p, err := o.store.GetPayoutBySettlement(ctx, out.Settlement.ID)
		switch {
		case err == nil:
			out.Payout = &p
		case !errors.Is(err, ledger.ErrNotFound):
			return out, err
		}
	}
	out.State = stateOf(rec.Status, out.Settlement, out.Payout)
	return out, nil
}

func stateOf(status ledger.DisplayStatus, sa *ledger.SettlementAttempt, p *ledger.PayoutAttempt) State {
	switch status {
	case ledger.DisplayCompleted:
		return StateSettled
	case ledger.DisplayFailed:
		if p != nil {
			return StatePayoutFailed
		}
		return StateChainFailed
	}
	switch {
	case p != nil && p.Status == ledger.PayoutAmbiguous:
		return StatePayoutAmbiguous
	case p != nil:
		return StatePayoutDispatched
	case sa != nil && sa.ChainStatus == ledger.ChainConfirmed:
		return StateChainConfirmed
	case sa != nil && sa.ChainTxHash != "":
		return StateChainSubmitted
	}
	return StateRateLocked
}
