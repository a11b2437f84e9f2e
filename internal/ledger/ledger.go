package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStorage wraps backend failures. Callers retry writes that fail with it.
	ErrStorage = errors.New("ledger storage error")

	// ErrNotFound is returned when a record or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for status changes outside the allowed set.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateRecord indicates the transfer already has a ledger record. The
	// existing record identifier is returned alongside it.
	ErrDuplicateRecord = errors.New("duplicate ledger record")

	// ErrDuplicatePayout indicates a payout attempt already exists for the
	// settlement attempt. The existing attempt is returned alongside it.
	ErrDuplicatePayout = errors.New("duplicate payout attempt")

	// ErrSettlementNotConfirmed blocks payouts ahead of on-chain settlement.
	ErrSettlementNotConfirmed = errors.New("settlement attempt not confirmed")

	// ErrAlreadyConfirmed is returned when a second attempt for a transfer would be confirmed.
	ErrAlreadyConfirmed = errors.New("transfer already has a confirmed settlement")

	// ErrPayoutExists blocks new settlement attempts once a payout was dispatched.
	ErrPayoutExists = errors.New("payout already dispatched for transfer")
)

// DisplayStatus is the user-facing state of a transfer.
type DisplayStatus string

const (
	DisplayCompleted DisplayStatus = "COMPLETED"
	DisplayPending   DisplayStatus = "PENDING"
	DisplayFailed    DisplayStatus = "FAILED"
)

// CanTransition reports whether a record may move from s to next. Only
// PENDING records move, and only to COMPLETED or FAILED.
func (s DisplayStatus) CanTransition(next DisplayStatus) bool {
	return s == DisplayPending && (next == DisplayCompleted || next == DisplayFailed)
}

// ChainStatus is the state of a settlement attempt on chain.
type ChainStatus string

const (
	ChainPending   ChainStatus = "PENDING"
	ChainConfirmed ChainStatus = "CONFIRMED"
	ChainFailed    ChainStatus = "FAILED"
)

// PayoutStatus is the normalized processor outcome of a payout attempt.
type PayoutStatus string

const (
	PayoutNotStarted PayoutStatus = "NOT_STARTED"
	PayoutDispatched PayoutStatus = "DISPATCHED"
	PayoutSucceeded  PayoutStatus = "SUCCEEDED"
	PayoutAmbiguous  PayoutStatus = "AMBIGUOUS"
	PayoutFailed     PayoutStatus = "FAILED"
)

// Terminal reports whether no further processor update may change the status.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutSucceeded || s == PayoutFailed
}

// Record is the user-facing projection of a transfer.
type Record struct {
	ID                  string          `json:"record_id"`
	TransferID          string          `json:"transfer_id"`
	UserAddress         string          `json:"user_address"`
	SettlementAttemptID string          `json:"settlement_attempt_id"`
	PayoutAttemptID     string          `json:"payout_attempt_id,omitempty"`
	Status              DisplayStatus   `json:"status"`
	Currency            string          `json:"currency"`
	Amount              decimal.Decimal `json:"amount"`
	Receiver            string          `json:"receiver"`
	Operator            string          `json:"operator"`
	Country             string          `json:"country"`
	Token               string          `json:"token"`
	DebitedAmount       decimal.Decimal `json:"debited_amount"`
	ChainTxHash         string          `json:"tx_hash,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// SettlementAttempt is one on-chain debit for a transfer.
type SettlementAttempt struct {
	ID            string          `json:"attempt_id"`
	TransferID    string          `json:"transfer_id"`
	UserAddress   string          `json:"user_address"`
	Token         string          `json:"token"`
	ChainTxHash   string          `json:"tx_hash,omitempty"`
	ChainStatus   ChainStatus     `json:"chain_status"`
	DebitedAmount decimal.Decimal `json:"debited_amount"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PayoutAttempt is one processor call, keyed by its settlement attempt.
type PayoutAttempt struct {
	ID                  string       `json:"attempt_id"`
	SettlementAttemptID string       `json:"settlement_attempt_id"`
	ProcessorReference  string       `json:"processor_reference"`
	ProcessorTransferID string       `json:"processor_transfer_id,omitempty"`
	Status              PayoutStatus `json:"payout_status"`
	RawPayload          []byte       `json:"-"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// PayoutUpdate carries the mutable fields of a payout attempt.
type PayoutUpdate struct {
	Status              PayoutStatus
	ProcessorTransferID string
	RawPayload          []byte
}

// Ledger stores user-facing records. Records are never deleted.
type Ledger interface {
	Append(ctx context.Context, record Record) (string, error)
	UpdateStatus(ctx context.Context, recordID string, status DisplayStatus) error
	LinkPayout(ctx context.Context, recordID, payoutAttemptID string) error
	Get(ctx context.Context, recordID string) (Record, error)
	GetByTransfer(ctx context.Context, transferID string) (Record, error)
	ListByUser(ctx context.Context, userAddress string) ([]Record, error)
	ListPending(ctx context.Context, limit int) ([]Record, error)
}

// Attempts stores settlement and payout attempts, the system of record for
// reconciliation.
type Attempts interface {
	CreateSettlement(ctx context.Context, attempt SettlementAttempt) (SettlementAttempt, error)
	UpdateSettlement(ctx context.Context, attemptID, txHash string, status ChainStatus) (SettlementAttempt, error)
	GetSettlement(ctx context.Context, attemptID string) (SettlementAttempt, error)
	ListSettlements(ctx context.Context, transferID string) ([]SettlementAttempt, error)

	CreatePayout(ctx context.Context, attempt PayoutAttempt) (PayoutAttempt, error)
	UpdatePayout(ctx context.Context, attemptID string, update PayoutUpdate) (PayoutAttempt, error)
	GetPayout(ctx context.Context, attemptID string) (PayoutAttempt, error)
	GetPayoutBySettlement(ctx context.Context, settlementAttemptID string) (PayoutAttempt, error)
	GetPayoutByReference(ctx context.Context, reference string) (PayoutAttempt, error)
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	Ledger
	Attempts
}

func canUpdateSettlement(from, to ChainStatus) bool {
	if from == to {
		return true
	}
	return from == ChainPending && (to == ChainConfirmed || to == ChainFailed)
}

func canUpdatePayout(from, to PayoutStatus) bool {
	if from.Terminal() {
		return from == to
	}
	switch to {
	case PayoutNotStarted:
		return from == PayoutNotStarted
	case PayoutDispatched:
		return from == PayoutNotStarted || from == PayoutDispatched
	default:
		return true
	}
}
