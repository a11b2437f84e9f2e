package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerpesa/settlement/internal/chain"
	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/fees"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/logging"
	"github.com/peerpesa/settlement/internal/notification"
	"github.com/peerpesa/settlement/internal/payout"
	"github.com/peerpesa/settlement/internal/rates"
)

// Payouts is the payout dispatcher as seen by the orchestrator.
type Payouts interface {
	Dispatch(ctx context.Context, in payout.DispatchInput) (ledger.PayoutAttempt, error)
	Requery(ctx context.Context, attempt ledger.PayoutAttempt, amount decimal.Decimal, currency string) (ledger.PayoutAttempt, error)
	Apply(ctx context.Context, reference string, status ledger.PayoutStatus, raw []byte) (ledger.PayoutAttempt, error)
}

// TokenSource issues the opaque token attached to processor calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config tunes retries and timeouts of the flow.
type Config struct {
	MaxSettlementAttempts int
	FinalityTimeout       time.Duration
	FinalityRechecks      int
	StorageRetries        uint64
	StorageBackoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSettlementAttempts <= 0 {
		c.MaxSettlementAttempts = 3
	}
	if c.FinalityTimeout <= 0 {
		c.FinalityTimeout = 2 * time.Minute
	}
	if c.FinalityRechecks < 0 {
		c.FinalityRechecks = 0
	}
	if c.StorageRetries == 0 {
		c.StorageRetries = 5
	}
	if c.StorageBackoff <= 0 {
		c.StorageBackoff = 100 * time.Millisecond
	}
	return c
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Rates    rates.Converter
	Chain    chain.Client
	Payouts  Payouts
	Store    ledger.Store
	Tokens   TokenSource
	Locks    payout.Guard
	Notifier notification.Notifier
	Catalog  *corridor.Catalog
	Logger   *slog.Logger
}

// Orchestrator drives a transfer from rate lock to a reconciled ledger record.
type Orchestrator struct {
	cfg      Config
	rates    rates.Converter
	chain    chain.Client
	payouts  Payouts
	store    ledger.Store
	tokens   TokenSource
	locks    payout.Guard
	notifier notification.Notifier
	catalog  *corridor.Catalog
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewOrchestrator wires an orchestrator. Locks default to an in-process guard
// and a nil notifier logs outcomes. Without a catalog the default corridors
// apply.
func NewOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	if deps.Catalog == nil {
		deps.Catalog = corridor.Default()
	}
	if deps.Locks == nil {
		deps.Locks = payout.NewLocalGuard()
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLoggerNotifier(deps.Logger)
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		rates:    deps.Rates,
		chain:    deps.Chain,
		payouts:  deps.Payouts,
		store:    deps.Store,
		tokens:   deps.Tokens,
		locks:    deps.Locks,
		notifier: deps.Notifier,
		catalog:  deps.Catalog,
		logger:   deps.Logger,
		tracer:   otel.Tracer("settlement/orchestrator"),
	}
}

// checkCorridor rejects destinations the payout side could never serve and
// returns the receiver in international form.
func (o *Orchestrator) checkCorridor(req TransferRequest) (string, error) {
	currency, err := o.catalog.Currency(req.Country)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !strings.EqualFold(currency, req.Currency) {
		return "", fmt.Errorf("%w: %s pays out in %s", ErrInvalidRequest, req.Country, currency)
	}
	if err := o.catalog.ValidateOperator(req.Country, req.Operator); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	receiver, err := o.catalog.MSISDN(req.Country, req.Receiver)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return receiver, nil
}

func transferLockKey(transferID string) string {
	return "transfer:" + transferID
}

// Execute runs one transfer. Errors before the debit is submitted leave no
// ledger record. Once a debit is submitted the flow ignores cancellation of
// ctx and always ends with a ledger record.
func (o *Orchestrator) Execute(ctx context.Context, req TransferRequest) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.execute")
	defer span.End()

	out := Outcome{
		TransferID: req.TransferID,
		State:      StateInitiated,
		Status:     ledger.DisplayPending,
		Token:      req.Token,
		Currency:   strings.ToUpper(req.Currency),
	}
	if err := req.validate(); err != nil {
		return out, err
	}
	receiver, err := o.checkCorridor(req)
	if err != nil {
		return out, err
	}
	req.Receiver = receiver
	if req.TransferID == "" {
		req.TransferID = uuid.NewString()
		out.TransferID = req.TransferID
	}
	span.SetAttributes(attribute.String("transfer.id", req.TransferID))

	release, err := o.locks.Acquire(ctx, transferLockKey(req.TransferID))
	if err != nil {
		if errors.Is(err, payout.ErrDispatchInProgress) {
			return out, ErrTransferInProgress
		}
		return out, err
	}
	defer release()

	if rec, err := o.store.GetByTransfer(ctx, req.TransferID); err == nil {
		return o.describe(ctx, rec)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return out, err
	}

	amount, err := o.rates.Convert(ctx, req.Principal, req.Token, req.Currency)
	if err != nil {
		o.logger.Warn("rate lock failed", slog.String("transfer_id", req.TransferID), slog.Any("error", err))
		return out, err
	}
	total, err := fees.ComputeTotal(req.Principal, req.FeeBasisPoints)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	out.Amount, out.Total = amount, total
	o.advance(ctx, &out, StateRateLocked)

	sa, status, err := o.settle(ctx, req, total, &out)
	if sa.ID != "" {
		out.Settlement = &sa
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("transfer aborted",
			slog.String("transfer_id", req.TransferID),
			slog.String("state", string(out.State)),
			slog.Any("error", err))
		return out, err
	}
	ctx = context.WithoutCancel(ctx)

	record := ledger.Record{
		TransferID:          req.TransferID,
		UserAddress:         req.UserAddress,
		SettlementAttemptID: sa.ID,
		Status:              ledger.DisplayPending,
		Currency:            out.Currency,
		Amount:              amount,
		Receiver:            req.Receiver,
		Operator:            strings.ToUpper(req.Operator),
		Country:             req.Country,
		Token:               req.Token,
		DebitedAmount:       total,
		ChainTxHash:         sa.ChainTxHash,
	}
	if status == chain.StatusFailed {
		record.Status = ledger.DisplayFailed
		o.advance(ctx, &out, StateChainFailed)
		out.CompletedAt = time.Now().UTC()
	}

	recordID, err := o.appendRecord(ctx, record)
	if err != nil {
		span.RecordError(err)
		o.logger.Error("ledger append failed",
			slog.String("transfer_id", req.TransferID),
			slog.String("state", string(out.State)),
			slog.Any("error", err))
		return out, err
	}
	out.RecordID = recordID
	record.ID = recordID

	switch status {
	case chain.StatusFailed:
		o.notify(ctx, out, record)
		return out, nil
	case chain.StatusPending:
		o.logger.Warn("finality unknown, left for reconciliation",
			slog.String("transfer_id", req.TransferID),
			slog.String("tx_hash", sa.ChainTxHash))
		o.notify(ctx, out, record)
		return out, nil
	}
	return o.dispatch(ctx, &out, record, sa, req.BeneficiaryName)
}

// settle submits debits until one confirms, a precheck aborts, or attempts
// run out. The returned status is CONFIRMED, FAILED (attempts exhausted) or
// PENDING (finality unknown). An error means no debit left the wallet.
func (o *Orchestrator) settle(ctx context.Context, req TransferRequest, total decimal.Decimal, out *Outcome) (ledger.SettlementAttempt, chain.Status, error) {
	existing, err := o.store.ListSettlements(ctx, req.TransferID)
	if err != nil {
		return ledger.SettlementAttempt{}, "", err
	}
	out.Attempts = len(existing)

	var last, inflight ledger.SettlementAttempt
	for _, sa := range existing {
		switch {
		case sa.ChainStatus == ledger.ChainConfirmed:
			o.advance(ctx, out, StateChainConfirmed)
			return sa, chain.StatusConfirmed, nil
		case sa.ChainStatus == ledger.ChainPending && sa.ChainTxHash != "":
			inflight = sa
		}
		last = sa
	}

	for {
		sa := inflight
		inflight = ledger.SettlementAttempt{}
		if sa.ID != "" {
			ctx = context.WithoutCancel(ctx)
			o.advance(ctx, out, StateChainSubmitted)
		} else {
			if out.Attempts >= o.cfg.MaxSettlementAttempts {
				return last, chain.StatusFailed, nil
			}
			if out.State != StateChainSubmitted {
				// Nothing has moved yet, so the caller may still walk away.
				if err := ctx.Err(); err != nil {
					return last, "", err
				}
			}
			sa, err = o.store.CreateSettlement(ctx, ledger.SettlementAttempt{
				TransferID:    req.TransferID,
				UserAddress:   req.UserAddress,
				Token:         req.Token,
				DebitedAmount: total,
			})
			if err != nil {
				return last, "", err
			}
			out.Attempts++
			last = sa

			txHash, err := o.chain.SubmitDebit(ctx, req.UserAddress, req.Token, total)
			if err != nil {
				last = o.markChainFailed(ctx, sa)
				if !errors.Is(err, chain.ErrSubmission) {
					return last, "", err
				}
				o.logger.Warn("debit submission failed",
					slog.String("transfer_id", req.TransferID),
					slog.Int("attempt", out.Attempts),
					slog.Any("error", err))
				continue
			}

			ctx = context.WithoutCancel(ctx)
			sa.ChainTxHash = txHash
			err = o.retryStorage(ctx, "store tx hash", func() error {
				updated, err := o.store.UpdateSettlement(ctx, sa.ID, txHash, ledger.ChainPending)
				if err == nil {
					sa = updated
				}
				return err
			})
			if err != nil {
				// The record still carries the hash; reconciliation backfills it.
				o.logger.Error("store tx hash failed", slog.String("attempt_id", sa.ID), slog.String("tx_hash", txHash), slog.Any("error", err))
			}
			last = sa
			o.advance(ctx, out, StateChainSubmitted)
		}

		status, err := o.awaitFinality(ctx, sa.ChainTxHash)
		switch status {
		case chain.StatusConfirmed:
			var confirmed ledger.SettlementAttempt
			err := o.retryStorage(ctx, "confirm settlement", func() error {
				var err error
				confirmed, err = o.store.UpdateSettlement(ctx, sa.ID, "", ledger.ChainConfirmed)
				return err
			})
			if err != nil {
				o.logger.Error("confirm settlement failed", slog.String("attempt_id", sa.ID), slog.Any("error", err))
				sa.ChainStatus = ledger.ChainConfirmed
				confirmed = sa
			}
			o.advance(ctx, out, StateChainConfirmed)
			return confirmed, chain.StatusConfirmed, nil
		case chain.StatusFailed:
			last = o.markChainFailed(ctx, sa)
			o.logger.Warn("debit reverted",
				slog.String("transfer_id", req.TransferID),
				slog.String("tx_hash", sa.ChainTxHash),
				slog.Int("attempt", out.Attempts))
		default:
			o.logger.Warn("finality not reached",
				slog.String("transfer_id", req.TransferID),
				slog.String("tx_hash", sa.ChainTxHash),
				slog.Any("error", err))
			return sa, chain.StatusPending, nil
		}
	}
}

// awaitFinality waits for a receipt, re-checking after each timeout before
// giving up with an unknown status.
func (o *Orchestrator) awaitFinality(ctx context.Context, txHash string) (chain.Status, error) {
	var lastErr error
	for i := 0; i <= o.cfg.FinalityRechecks; i++ {
		status, err := o.chain.AwaitFinality(ctx, txHash, o.cfg.FinalityTimeout)
		if err == nil && status != chain.StatusPending {
			return status, nil
		}
		lastErr = err
	}
	return chain.StatusPending, lastErr
}

func (o *Orchestrator) markChainFailed(ctx context.Context, sa ledger.SettlementAttempt) ledger.SettlementAttempt {
	updated, err := o.store.UpdateSettlement(ctx, sa.ID, "", ledger.ChainFailed)
	if err != nil {
		o.logger.Error("mark settlement failed", slog.String("attempt_id", sa.ID), slog.Any("error", err))
		sa.ChainStatus = ledger.ChainFailed
		return sa
	}
	return updated
}

// dispatch pays out a confirmed settlement and applies the result to the
// record. Without a payout attempt the record stays PENDING for reconciliation.
func (o *Orchestrator) dispatch(ctx context.Context, out *Outcome, rec ledger.Record, sa ledger.SettlementAttempt, beneficiary string) (Outcome, error) {
	token, err := o.csrfToken(ctx)
	if err != nil {
		o.logger.Error("payout deferred, no csrf token", slog.String("transfer_id", rec.TransferID), slog.Any("error", err))
		return *out, nil
	}

	attempt, err := o.payouts.Dispatch(ctx, payout.DispatchInput{
		SettlementAttemptID: sa.ID,
		Amount:              rec.Amount,
		Receiver:            rec.Receiver,
		Country:             rec.Country,
		Operator:            rec.Operator,
		Currency:            rec.Currency,
		BeneficiaryName:     beneficiary,
		CSRFToken:           token,
	})
	if attempt.ID == "" {
		o.logger.Error("payout deferred", slog.String("transfer_id", rec.TransferID), slog.Any("error", err))
		return *out, nil
	}
	if err != nil {
		o.logger.Error("payout outcome not persisted", slog.String("payout_attempt_id", attempt.ID), slog.Any("error", err))
	}

	out.Payout = &attempt
	o.advance(ctx, out, StatePayoutDispatched)
	o.linkPayout(ctx, rec, attempt)
	return o.applyPayout(ctx, out, rec, attempt.Status)
}

func (o *Orchestrator) csrfToken(ctx context.Context) (string, error) {
	if o.tokens == nil {
		return "", nil
	}
	return o.tokens.Token(ctx)
}

func (o *Orchestrator) linkPayout(ctx context.Context, rec ledger.Record, attempt ledger.PayoutAttempt) {
	if rec.PayoutAttemptID == attempt.ID {
		return
	}
	err := o.retryStorage(ctx, "link payout", func() error {
		return o.store.LinkPayout(ctx, rec.ID, attempt.ID)
	})
	if err != nil {
		o.logger.Error("link payout failed",
			slog.String("record_id", rec.ID),
			slog.String("payout_attempt_id", attempt.ID),
			slog.Any("error", err))
	}
}

// applyPayout moves the record to the display status of a payout outcome.
func (o *Orchestrator) applyPayout(ctx context.Context, out *Outcome, rec ledger.Record, status ledger.PayoutStatus) (Outcome, error) {
	next := StatePayoutAmbiguous
	switch status {
	case ledger.PayoutSucceeded:
		next = StateSettled
	case ledger.PayoutFailed:
		next = StatePayoutFailed
	}

	if display := next.DisplayStatus(); display != ledger.DisplayPending {
		err := o.retryStorage(ctx, "update record status", func() error {
			return o.store.UpdateStatus(ctx, rec.ID, display)
		})
		if err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
			o.logger.Error("ledger status update failed",
				slog.String("record_id", rec.ID),
				slog.String("status", string(display)),
				slog.Any("error", err))
			return *out, err
		}
		out.CompletedAt = time.Now().UTC()
	}
	o.advance(ctx, out, next)
	o.notify(ctx, *out, rec)
	return *out, nil
}

func (o *Orchestrator) appendRecord(ctx context.Context, rec ledger.Record) (string, error) {
	var id string
	err := o.retryStorage(ctx, "append record", func() error {
		var err error
		id, err = o.store.Append(ctx, rec)
		if errors.Is(err, ledger.ErrDuplicateRecord) {
			return nil
		}
		return err
	})
	return id, err
}

// retryStorage retries fn with exponential backoff while it fails with
// ledger.ErrStorage. Other errors are returned at once.
func (o *Orchestrator) retryStorage(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.StorageBackoff
	policy.MaxInterval = 30 * o.cfg.StorageBackoff
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, o.cfg.StorageRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, ledger.ErrStorage) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		o.logger.Warn("ledger write failed, retrying",
			slog.String("op", op),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	})
}

func (o *Orchestrator) advance(ctx context.Context, out *Outcome, next State) {
	_, span := o.tracer.Start(ctx, "settlement.transition", trace.WithAttributes(
		attribute.String("transfer.id", out.TransferID),
		attribute.String("state.from", string(out.State)),
		attribute.String("state.to", string(next)),
	))
	span.End()

	o.logger.Info("transfer state changed",
		slog.String("transfer_id", out.TransferID),
		slog.String("from", string(out.State)),
		slog.String("to", string(next)))
	out.State = next
	out.Status = next.DisplayStatus()
}

func (o *Orchestrator) notify(ctx context.Context, out Outcome, rec ledger.Record) {
	msg := notification.Message{
		TransferID:  out.TransferID,
		RecordID:    out.RecordID,
		Destination: rec.UserAddress,
	}
	receiver := logging.MaskMSISDN(rec.Receiver)
	switch out.State {
	case StateSettled:
		msg.Kind = notification.KindTransferSettled
		msg.Body = fmt.Sprintf("%s %s delivered to %s", rec.Amount.StringFixed(2), rec.Currency, receiver)
	case StatePayoutFailed:
		msg.Kind = notification.KindPayoutFailed
		msg.Body = fmt.Sprintf("payout of %s %s to %s failed after %s %s was debited", rec.Amount.StringFixed(2), rec.Currency, receiver, rec.DebitedAmount, rec.Token)
	case StateChainFailed:
		msg.Kind = notification.KindChainFailed
		msg.Body = fmt.Sprintf("debit of %s %s failed, no funds left the wallet", rec.DebitedAmount, rec.Token)
	default:
		msg.Kind = notification.KindTransferPending
		msg.Body = fmt.Sprintf("payout of %s %s to %s is being confirmed", rec.Amount.StringFixed(2), rec.Currency, receiver)
	}
	if err := o.notifier.Send(ctx, msg); err != nil {
		o.logger.Warn("notification failed", slog.String("transfer_id", out.TransferID), slog.Any("error", err))
	}
}
