package chain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance means the wallet cannot cover the full debit including fees.
	ErrInsufficientBalance = errors.New("insufficient token balance")
	// ErrWalletUnavailable means the wallet balance could not be read.
	ErrWalletUnavailable = errors.New("wallet unavailable")
	// ErrSubmission means the debit transaction was not accepted by the node.
	ErrSubmission = errors.New("transaction submission failed")
	// ErrFinalityTimeout means no definitive receipt arrived in time. The
	// transaction may still confirm; callers must re-check instead of failing.
	ErrFinalityTimeout = errors.New("finality timeout")
	// ErrUnsupportedToken is returned for token symbols missing from the registry.
	ErrUnsupportedToken = errors.New("unsupported token")
	// ErrInvalidAmount means the debit cannot be expressed in the token's
	// minor units. Retrying cannot help.
	ErrInvalidAmount = errors.New("invalid debit amount")
)

// Status is the on-chain state of a debit transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Client moves tokens from a user wallet to the settlement wallet and reports finality.
type Client interface {
	SubmitDebit(ctx context.Context, userAddress, token string, total decimal.Decimal) (string, error)
	AwaitFinality(ctx context.Context, txHash string, timeout time.Duration) (Status, error)
	Receipt(ctx context.Context, txHash string) (Status, error)
}
