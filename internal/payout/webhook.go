package payout

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"

	"github.com/peerpesa/settlement/internal/ledger"
)

var (
	// ErrWebhookSignature is returned when the verif-hash header does not match.
	ErrWebhookSignature = errors.New("invalid webhook signature")
	// ErrWebhookPayload is returned for bodies without a usable reference.
	ErrWebhookPayload = errors.New("invalid webhook payload")
)

// WebhookEvent is a processor push about one transfer.
type WebhookEvent struct {
	Event     string
	Reference string
	Status    ledger.PayoutStatus
	Raw       []byte
}

type webhookBody struct {
	Event     string        `json:"event"`
	Status    string        `json:"status"`
	Reference string        `json:"reference"`
	Data      *TransferData `json:"data"`
}

// VerifyWebhook compares the shared secret header in constant time. An empty
// secret disables the check.
func VerifyWebhook(secret, header string) error {
	if secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrWebhookSignature
	}
	return nil
}

// ParseWebhook decodes a transfer webhook. Success and failure words map to
// terminal statuses; anything else is AMBIGUOUS.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return WebhookEvent{}, ErrWebhookPayload
	}
	reference, status := wb.Reference, wb.Status
	if wb.Data != nil {
		if wb.Data.Reference != "" {
			reference = wb.Data.Reference
		}
		if wb.Data.Status != "" {
			status = wb.Data.Status
		}
	}
	if strings.TrimSpace(reference) == "" {
		return WebhookEvent{}, ErrWebhookPayload
	}

	ev := WebhookEvent{Event: wb.Event, Reference: reference, Raw: body}
	switch ParseProcessorStatus(status) {
	case StatusSuccessful, StatusCompleted:
		ev.Status = ledger.PayoutSucceeded
	case StatusFailed:
		ev.Status = ledger.PayoutFailed
	default:
		ev.Status = ledger.PayoutAmbiguous
	}
	return ev, nil
}
