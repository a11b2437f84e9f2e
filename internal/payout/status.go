package payout

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/ledger"
)

// ProcessorStatus is the closed set of status strings the processor returns,
// either on the response envelope or on the transfer data.
type ProcessorStatus int

const (
	StatusUnknown ProcessorStatus = iota
	StatusSuccess
	StatusNew
	StatusPending
	StatusCompleted
	StatusSuccessful
	StatusFailed
	StatusError
)

func (s ProcessorStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNew:
		return "NEW"
	case StatusPending:
		return "PENDING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusSuccessful:
		return "SUCCESSFUL"
	case StatusFailed:
		return "FAILED"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseProcessorStatus maps a raw status string onto ProcessorStatus.
// Matching ignores case; anything unrecognised is StatusUnknown.
func ParseProcessorStatus(raw string) ProcessorStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS":
		return StatusSuccess
	case "NEW":
		return StatusNew
	case "PENDING":
		return StatusPending
	case "COMPLETED":
		return StatusCompleted
	case "SUCCESSFUL":
		return StatusSuccessful
	case "FAILED":
		return StatusFailed
	case "ERROR":
		return StatusError
	default:
		return StatusUnknown
	}
}

// outcome maps a status onto a payout status. terminalData reports whether
// the response carried a transfer id and reference.
func (s ProcessorStatus) outcome(terminalData bool) ledger.PayoutStatus {
	switch s {
	case StatusSuccess:
		if terminalData {
			return ledger.PayoutSucceeded
		}
		return ledger.PayoutAmbiguous
	case StatusCompleted, StatusSuccessful:
		return ledger.PayoutSucceeded
	case StatusNew, StatusPending:
		return ledger.PayoutAmbiguous
	case StatusFailed, StatusError:
		return ledger.PayoutFailed
	case StatusUnknown:
		return ledger.PayoutAmbiguous
	default:
		return ledger.PayoutAmbiguous
	}
}

// Classify turns a transfer-creation response into a payout status.
// Transport errors, non-2xx responses and responses without data are FAILED.
// A status on the transfer data wins over the envelope status, so an
// accepted-but-unsettled transfer ("success" envelope, "NEW" data) stays
// AMBIGUOUS. A data status that is present but unrecognised is AMBIGUOUS too;
// the envelope only decides when the data carries no status.
func Classify(resp Response, err error) ledger.PayoutStatus {
	if err != nil {
		return ledger.PayoutFailed
	}
	if resp.HTTPStatus < 200 || resp.HTTPStatus >= 300 {
		return ledger.PayoutFailed
	}
	if resp.Data == nil {
		return ledger.PayoutFailed
	}
	terminal := resp.Data.ID != "" && resp.Data.Reference != ""
	if resp.Data.Status != "" {
		return ParseProcessorStatus(resp.Data.Status).outcome(terminal)
	}
	return resp.Status.outcome(terminal)
}

// ClassifyVerification maps a re-query response. Success additionally
// requires the amount and currency to match what was sent; a mismatch is
// left AMBIGUOUS for manual review.
func ClassifyVerification(resp Response, amount decimal.Decimal, currency string) ledger.PayoutStatus {
	if resp.HTTPStatus < 200 || resp.HTTPStatus >= 300 || resp.Data == nil {
		return ledger.PayoutAmbiguous
	}
	status := ParseProcessorStatus(resp.Data.Status)
	switch status.outcome(true) {
	case ledger.PayoutSucceeded:
		if !resp.Data.Amount.Equal(amount) || !strings.EqualFold(resp.Data.Currency, currency) {
			return ledger.PayoutAmbiguous
		}
		return ledger.PayoutSucceeded
	case ledger.PayoutFailed:
		return ledger.PayoutFailed
	default:
		return ledger.PayoutAmbiguous
	}
}
