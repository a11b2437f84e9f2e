package payout

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"
)

// StubProcessor is a scripted Processor for tests.
type StubProcessor struct {
	mu sync.Mutex

	// CreateResponse is returned by CreateTransfer. When nil, a response with
	// the given DataStatus and envelope "success" is built from the instruction.
	CreateResponse *Response
	CreateErr      error
	DataStatus     string

	// QueryResponse is returned by QueryTransfer. When nil, the last created
	// transfer is echoed back with QueryStatus.
	QueryResponse *Response
	QueryErr      error
	QueryStatus   string

	created []Instruction
	queried []string
}

// CreateTransfer implements Processor.
func (s *StubProcessor) CreateTransfer(_ context.Context, in Instruction) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, in)
	if s.CreateErr != nil {
		return Response{}, s.CreateErr
	}
	if s.CreateResponse != nil {
		return *s.CreateResponse, nil
	}
	status := s.DataStatus
	if status == "" {
		status = "SUCCESSFUL"
	}
	return stubResponse("success", in.Reference, in.Amount, in.Currency, status), nil
}

// QueryTransfer implements Processor.
func (s *StubProcessor) QueryTransfer(_ context.Context, reference string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried = append(s.queried, reference)
	if s.QueryErr != nil {
		return Response{}, s.QueryErr
	}
	if s.QueryResponse != nil {
		return *s.QueryResponse, nil
	}
	for i := len(s.created) - 1; i >= 0; i-- {
		if in := s.created[i]; in.Reference == reference {
			return stubResponse("success", reference, in.Amount, in.Currency, s.QueryStatus), nil
		}
	}
	return Response{HTTPStatus: 404, Status: StatusError, Message: "transfer not found"}, nil
}

// Created returns the instructions sent so far.
func (s *StubProcessor) Created() []Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Instruction(nil), s.created...)
}

// Queried returns the references looked up so far.
func (s *StubProcessor) Queried() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queried...)
}

func stubResponse(envelope, reference string, amount decimal.Decimal, currency, status string) Response {
	data := &TransferData{
		ID:        FlexibleID("fw-" + reference),
		Currency:  currency,
		Amount:    amount,
		Reference: reference,
		Status:    status,
	}
	raw, _ := json.Marshal(map[string]any{"status": envelope, "data": data})
	return Response{HTTPStatus: 200, Status: ParseProcessorStatus(envelope), Data: data, Raw: raw}
}
