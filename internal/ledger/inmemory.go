package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu sync.RWMutex

	seq         int64
	records     map[string]*memRecord
	byTransfer  map[string]string
	settlements map[string]SettlementAttempt
	saOrder     []string
	payouts     map[string]PayoutAttempt
	payoutBySA  map[string]string
	payoutByRef map[string]string
}

type memRecord struct {
	Record
	seq int64
}

// NewInMemory returns a concurrency-safe Store kept in process memory.
func NewInMemory() Store {
	return &inMemoryStore{
		records:     make(map[string]*memRecord),
		byTransfer:  make(map[string]string),
		settlements: make(map[string]SettlementAttempt),
		payouts:     make(map[string]PayoutAttempt),
		payoutBySA:  make(map[string]string),
		payoutByRef: make(map[string]string),
	}
}

func (s *inMemoryStore) Append(_ context.Context, record Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byTransfer[record.TransferID]; ok && record.TransferID != "" {
		return existing, ErrDuplicateRecord
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	record.UserAddress = normalizeAddress(record.UserAddress)

	s.seq++
	s.records[record.ID] = &memRecord{Record: record, seq: s.seq}
	if record.TransferID != "" {
		s.byTransfer[record.TransferID] = record.ID
	}
	return record.ID, nil
}

func (s *inMemoryStore) UpdateStatus(_ context.Context, recordID string, status DisplayStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return ErrNotFound
	}
	if !rec.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	rec.Status = status
	return nil
}

func (s *inMemoryStore) LinkPayout(_ context.Context, recordID, payoutAttemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return ErrNotFound
	}
	if rec.PayoutAttemptID == payoutAttemptID {
		return nil
	}
	if rec.PayoutAttemptID != "" || rec.Status != DisplayPending {
		return ErrInvalidTransition
	}
	rec.PayoutAttemptID = payoutAttemptID
	return nil
}

func (s *inMemoryStore) Get(_ context.Context, recordID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Record, nil
}

func (s *inMemoryStore) GetByTransfer(ctx context.Context, transferID string) (Record, error) {
	s.mu.RLock()
	id, ok := s.byTransfer[transferID]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *inMemoryStore) ListByUser(_ context.Context, userAddress string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := normalizeAddress(userAddress)
	matches := make([]*memRecord, 0)
	for _, rec := range s.records {
		if rec.UserAddress == addr {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Timestamp.Equal(matches[j].Timestamp) {
			return matches[i].Timestamp.After(matches[j].Timestamp)
		}
		return matches[i].seq > matches[j].seq
	})
	out := make([]Record, 0, len(matches))
	for _, rec := range matches {
		out = append(out, rec.Record)
	}
	return out, nil
}

func (s *inMemoryStore) ListPending(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*memRecord, 0)
	for _, rec := range s.records {
		if rec.Status == DisplayPending {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]Record, 0, len(matches))
	for _, rec := range matches {
		out = append(out, rec.Record)
	}
	return out, nil
}

func (s *inMemoryStore) CreateSettlement(_ context.Context, attempt SettlementAttempt) (SettlementAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.settlements {
		if existing.TransferID != attempt.TransferID {
			continue
		}
		if existing.ChainStatus == ChainConfirmed {
			return SettlementAttempt{}, ErrAlreadyConfirmed
		}
		if _, ok := s.payoutBySA[existing.ID]; ok {
			return SettlementAttempt{}, ErrPayoutExists
		}
	}

	now := time.Now().UTC()
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.ChainStatus == "" {
		attempt.ChainStatus = ChainPending
	}
	attempt.UserAddress = normalizeAddress(attempt.UserAddress)
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	s.settlements[attempt.ID] = attempt
	s.saOrder = append(s.saOrder, attempt.ID)
	return attempt, nil
}

func (s *inMemoryStore) UpdateSettlement(_ context.Context, attemptID, txHash string, status ChainStatus) (SettlementAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.settlements[attemptID]
	if !ok {
		return SettlementAttempt{}, ErrNotFound
	}
	if !canUpdateSettlement(attempt.ChainStatus, status) {
		return SettlementAttempt{}, ErrInvalidTransition
	}
	if status == ChainConfirmed && attempt.ChainStatus != ChainConfirmed {
		for id, other := range s.settlements {
			if id != attemptID && other.TransferID == attempt.TransferID && other.ChainStatus == ChainConfirmed {
				return SettlementAttempt{}, ErrAlreadyConfirmed
			}
		}
	}
	if txHash != "" {
		attempt.ChainTxHash = txHash
	}
	attempt.ChainStatus = status
	attempt.UpdatedAt = time.Now().UTC()
	s.settlements[attemptID] = attempt
	return attempt, nil
}

func (s *inMemoryStore) GetSettlement(_ context.Context, attemptID string) (SettlementAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.settlements[attemptID]
	if !ok {
		return SettlementAttempt{}, ErrNotFound
	}
	return attempt, nil
}

func (s *inMemoryStore) ListSettlements(_ context.Context, transferID string) ([]SettlementAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SettlementAttempt, 0)
	for _, id := range s.saOrder {
		if attempt := s.settlements[id]; attempt.TransferID == transferID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (s *inMemoryStore) CreatePayout(_ context.Context, attempt PayoutAttempt) (PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settlement, ok := s.settlements[attempt.SettlementAttemptID]
	if !ok || settlement.ChainStatus != ChainConfirmed {
		return PayoutAttempt{}, ErrSettlementNotConfirmed
	}
	if existingID, ok := s.payoutBySA[attempt.SettlementAttemptID]; ok {
		return s.payouts[existingID], ErrDuplicatePayout
	}

	now := time.Now().UTC()
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Status == "" {
		attempt.Status = PayoutNotStarted
	}
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	s.payouts[attempt.ID] = attempt
	s.payoutBySA[attempt.SettlementAttemptID] = attempt.ID
	if attempt.ProcessorReference != "" {
		s.payoutByRef[attempt.ProcessorReference] = attempt.ID
	}
	return attempt, nil
}

func (s *inMemoryStore) UpdatePayout(_ context.Context, attemptID string, update PayoutUpdate) (PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.payouts[attemptID]
	if !ok {
		return PayoutAttempt{}, ErrNotFound
	}
	if !canUpdatePayout(attempt.Status, update.Status) {
		return PayoutAttempt{}, ErrInvalidTransition
	}
	attempt.Status = update.Status
	if update.ProcessorTransferID != "" {
		attempt.ProcessorTransferID = update.ProcessorTransferID
	}
	if update.RawPayload != nil {
		attempt.RawPayload = append([]byte(nil), update.RawPayload...)
	}
	attempt.UpdatedAt = time.Now().UTC()
	s.payouts[attemptID] = attempt
	return attempt, nil
}

func (s *inMemoryStore) GetPayout(_ context.Context, attemptID string) (PayoutAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.payouts[attemptID]
	if !ok {
		return PayoutAttempt{}, ErrNotFound
	}
	return attempt, nil
}

func (s *inMemoryStore) GetPayoutBySettlement(ctx context.Context, settlementAttemptID string) (PayoutAttempt, error) {
	s.mu.RLock()
	id, ok := s.payoutBySA[settlementAttemptID]
	s.mu.RUnlock()
	if !ok {
		return PayoutAttempt{}, ErrNotFound
	}
	return s.GetPayout(ctx, id)
}

func (s *inMemoryStore) GetPayoutByReference(ctx context.Context, reference string) (PayoutAttempt, error) {
	s.mu.RLock()
	id, ok := s.payoutByRef[reference]
	s.mu.RUnlock()
	if !ok {
		return PayoutAttempt{}, ErrNotFound
	}
	return s.GetPayout(ctx, id)
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
