package ledger

import (
	"context"
	"sync"
)

// FlakyStore fails the first Failures calls to Append and UpdateStatus with
// ErrStorage before delegating. Used to exercise retry paths.
type FlakyStore struct {
	Store

	mu       sync.Mutex
	Failures int
	calls    int
}

// NewFlakyStore wraps store so its next failures writes fail.
func NewFlakyStore(store Store, failures int) *FlakyStore {
	return &FlakyStore{Store: store, Failures: failures}
}

func (f *FlakyStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Failures > 0 {
		f.Failures--
		return true
	}
	return false
}

// Calls reports how many writes were attempted.
func (f *FlakyStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FlakyStore) Append(ctx context.Context, record Record) (string, error) {
	if f.fail() {
		return "", ErrStorage
	}
	return f.Store.Append(ctx, record)
}

func (f *FlakyStore) UpdateStatus(ctx context.Context, recordID string, status DisplayStatus) error {
	if f.fail() {
		return ErrStorage
	}
	return f.Store.UpdateStatus(ctx, recordID, status)
}
