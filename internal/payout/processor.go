package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Instruction is everything the processor needs to move money to a wallet.
type Instruction struct {
	Reference       string
	Amount          decimal.Decimal
	Currency        string
	Receiver        string
	Operator        string
	BeneficiaryName string
	CSRFToken       string
}

// TransferData is the transfer object embedded in processor responses.
type TransferData struct {
	ID              FlexibleID      `json:"id"`
	AccountNumber   string          `json:"account_number"`
	BankCode        string          `json:"bank_code"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference"`
	Status          string          `json:"status"`
	CompleteMessage string          `json:"complete_message"`
	Meta            json.RawMessage `json:"meta,omitempty"`
}

// Response is a decoded processor reply. Raw keeps the body verbatim for the
// audit trail; it is never shown to users.
type Response struct {
	HTTPStatus int
	Status     ProcessorStatus
	Message    string
	Data       *TransferData
	Raw        []byte
}

// Processor is the off-chain payout rail.
type Processor interface {
	CreateTransfer(ctx context.Context, instruction Instruction) (Response, error)
	QueryTransfer(ctx context.Context, reference string) (Response, error)
}

// FlexibleID accepts both numeric and string identifiers.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("transfer id: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decodeResponse parses a processor body. data may be an object or, for
// lookups, a list; reference picks the matching element of a list.
func decodeResponse(httpStatus int, body []byte, reference string) Response {
	resp := Response{HTTPStatus: httpStatus, Raw: body}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return resp
	}
	resp.Status = ParseProcessorStatus(env.Status)
	resp.Message = env.Message

	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
	case data[0] == '[':
		var list []TransferData
		if err := json.Unmarshal(data, &list); err != nil {
			return resp
		}
		for i := range list {
			if reference == "" || strings.EqualFold(list[i].Reference, reference) {
				resp.Data = &list[i]
				break
			}
		}
	default:
		var td TransferData
		if err := json.Unmarshal(data, &td); err == nil {
			resp.Data = &td
		}
	}
	return resp
}
