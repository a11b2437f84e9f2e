package settlement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/wizard"
)

var (
	// ErrInvalidRequest is returned before any external call for malformed input.
	ErrInvalidRequest = errors.New("invalid transfer request")
	// ErrTransferInProgress is returned when another flow owns the transfer.
	ErrTransferInProgress = errors.New("transfer already in progress")
)

// State is a step of the settlement flow.
type State string

const (
	StateInitiated        State = "INITIATED"
	StateRateLocked       State = "RATE_LOCKED"
	StateChainSubmitted   State = "CHAIN_SUBMITTED"
	StateChainConfirmed   State = "CHAIN_CONFIRMED"
	StatePayoutDispatched State = "PAYOUT_DISPATCHED"
	StateSettled          State = "SETTLED"
	StatePayoutFailed     State = "PAYOUT_FAILED"
	StatePayoutAmbiguous  State = "PAYOUT_AMBIGUOUS"
	StateChainFailed      State = "CHAIN_FAILED"
)

// Terminal reports whether the flow stops in s. PAYOUT_AMBIGUOUS is terminal
// for a single run; reconciliation resolves it later.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StatePayoutFailed, StatePayoutAmbiguous, StateChainFailed:
		return true
	}
	return false
}

// DisplayStatus is the user-facing status the ledger records for s.
func (s State) DisplayStatus() ledger.DisplayStatus {
	switch s {
	case StateSettled:
		return ledger.DisplayCompleted
	case StatePayoutFailed, StateChainFailed:
		return ledger.DisplayFailed
	default:
		return ledger.DisplayPending
	}
}

// TransferRequest is the immutable input of one settlement flow.
type TransferRequest struct {
	TransferID      string
	UserAddress     string
	Token           string
	Principal       decimal.Decimal
	Country         string
	Receiver        string
	Operator        string
	Currency        string
	BeneficiaryName string
	FeeBasisPoints  int64
}

// RequestFromWizard converts a confirmed wizard submission.
func RequestFromWizard(transferID string, req wizard.Request) TransferRequest {
	return TransferRequest{
		TransferID:      transferID,
		UserAddress:     req.UserAddress,
		Token:           req.Token,
		Principal:       req.Principal,
		Country:         req.Country,
		Receiver:        req.Receiver,
		Operator:        req.Operator,
		Currency:        req.Currency,
		BeneficiaryName: req.BeneficiaryName,
		FeeBasisPoints:  req.FeeBasisPoints,
	}
}

func (r TransferRequest) validate() error {
	switch {
	case !common.IsHexAddress(r.UserAddress):
		return fmt.Errorf("%w: user address", ErrInvalidRequest)
	case strings.TrimSpace(r.Token) == "":
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	case !r.Principal.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case strings.TrimSpace(r.Receiver) == "":
		return fmt.Errorf("%w: receiver is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Country) == "" || strings.TrimSpace(r.Currency) == "":
		return fmt.Errorf("%w: country and currency are required", ErrInvalidRequest)
	case r.FeeBasisPoints < 0:
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Outcome is the result of a flow, or the current view of a stored transfer.
type Outcome struct {
	TransferID  string                    `json:"transfer_id"`
	RecordID    string                    `json:"record_id,omitempty"`
	State       State                     `json:"state"`
	Status      ledger.DisplayStatus      `json:"status"`
	Token       string                    `json:"token"`
	Total       decimal.Decimal           `json:"debited_amount"`
	Amount      decimal.Decimal           `json:"amount"`
	Currency    string                    `json:"currency"`
	Attempts    int                       `json:"settlement_attempts"`
	Settlement  *ledger.SettlementAttempt `json:"settlement,omitempty"`
	Payout      *ledger.PayoutAttempt     `json:"payout,omitempty"`
	CompletedAt time.Time                 `json:"completed_at"`
}
