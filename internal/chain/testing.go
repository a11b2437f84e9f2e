package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FinalityResult is one scripted AwaitFinality answer for Stub.
type FinalityResult struct {
	Status Status
	Err    error
}

// Submission records a debit accepted by Stub.
type Submission struct {
	TxHash      string
	UserAddress string
	Token       string
	Total       decimal.Decimal
}

// Stub is an in-process Client for tests and local development. Balances
// left nil means every wallet is funded.
type Stub struct {
	mu sync.Mutex

	Balances  map[string]decimal.Decimal
	SubmitErr []error
	Finality  []FinalityResult
	Receipts  map[string]Status

	submissions []Submission
	awaits      int
}

// NewStub returns a stub that confirms every transaction.
func NewStub() *Stub {
	return &Stub{Receipts: map[string]Status{}}
}

// SubmitDebit implements Client.
func (s *Stub) SubmitDebit(_ context.Context, userAddress, token string, total decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.SubmitErr) > 0 {
		err := s.SubmitErr[0]
		s.SubmitErr = s.SubmitErr[1:]
		if err != nil {
			return "", err
		}
	}
	if s.Balances != nil {
		balance := s.Balances[strings.ToLower(userAddress)]
		if balance.LessThan(total) {
			return "", ErrInsufficientBalance
		}
		s.Balances[strings.ToLower(userAddress)] = balance.Sub(total)
	}

	hash := fmt.Sprintf("0x%064x", len(s.submissions)+1)
	s.submissions = append(s.submissions, Submission{TxHash: hash, UserAddress: userAddress, Token: token, Total: total})
	return hash, nil
}

// AwaitFinality implements Client by consuming the next scripted result.
func (s *Stub) AwaitFinality(_ context.Context, txHash string, _ time.Duration) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.awaits++
	if len(s.Finality) == 0 {
		s.Receipts[txHash] = StatusConfirmed
		return StatusConfirmed, nil
	}
	next := s.Finality[0]
	s.Finality = s.Finality[1:]
	if next.Err == nil {
		s.Receipts[txHash] = next.Status
	}
	return next.Status, next.Err
}

// Receipt implements Client.
func (s *Stub) Receipt(_ context.Context, txHash string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.Receipts[txHash]; ok {
		return status, nil
	}
	return StatusPending, nil
}

// SetReceipt scripts the receipt returned for txHash.
func (s *Stub) SetReceipt(txHash string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Receipts[txHash] = status
}

// Submissions returns every accepted debit.
func (s *Stub) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Awaits counts AwaitFinality calls.
func (s *Stub) Awaits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaits
}
