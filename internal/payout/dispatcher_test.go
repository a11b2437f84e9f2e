package payout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/logging"
)

func confirmedSettlement(t *testing.T, store ledger.Store) ledger.SettlementAttempt {
	t.Helper()
	ctx := context.Background()
	sa, err := store.CreateSettlement(ctx, ledger.SettlementAttempt{
		TransferID:    uuid.NewString(),
		UserAddress:   "0x0000000000000000000000000000000000000abc",
		Token:         "cUSD",
		DebitedAmount: decimal.RequireFromString("100.5"),
	})
	if err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	sa, err = store.UpdateSettlement(ctx, sa.ID, "0xfeed", ledger.ChainConfirmed)
	if err != nil {
		t.Fatalf("confirm settlement: %v", err)
	}
	return sa
}

func kenyaInput(settlementID string) DispatchInput {
	return DispatchInput{
		SettlementAttemptID: settlementID,
		Amount:              decimal.RequireFromString("12945.60"),
		Receiver:            "254712345678",
		Country:             "Kenya",
		Operator:            "MPS",
		Currency:            "KES",
		CSRFToken:           "csrf",
	}
}

func TestDispatchSucceeds(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	attempt, err := d.Dispatch(context.Background(), kenyaInput(sa.ID))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if attempt.Status != ledger.PayoutSucceeded {
		t.Fatalf("expected succeeded, got %s", attempt.Status)
	}
	if attempt.ProcessorReference != "PEERPESA_"+sa.ID {
		t.Fatalf("unexpected reference %s", attempt.ProcessorReference)
	}
	if attempt.ProcessorTransferID == "" || len(attempt.RawPayload) == 0 {
		t.Fatalf("processor id and raw payload must be stored: %+v", attempt)
	}
	created := proc.Created()
	if len(created) != 1 || created[0].CSRFToken != "csrf" || created[0].Reference != attempt.ProcessorReference {
		t.Fatalf("unexpected instructions %+v", created)
	}
}

func TestDispatchIsIdempotent(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{DataStatus: "NEW"}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	first, err := d.Dispatch(context.Background(), kenyaInput(sa.ID))
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := d.Dispatch(context.Background(), kenyaInput(sa.ID))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same attempt, got %s and %s", first.ID, second.ID)
	}
	if second.Status != ledger.PayoutAmbiguous {
		t.Fatalf("expected ambiguous, got %s", second.Status)
	}
	if n := len(proc.Created()); n != 1 {
		t.Fatalf("processor called %d times", n)
	}
}

func TestDispatchConcurrentCallsReachProcessorOnce(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), kenyaInput(sa.ID))
			if err != nil && !errors.Is(err, ErrDispatchInProgress) {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := len(proc.Created()); n != 1 {
		t.Fatalf("processor called %d times", n)
	}
}

func TestDispatchRequiresConfirmedSettlement(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())

	pending, err := store.CreateSettlement(context.Background(), ledger.SettlementAttempt{TransferID: uuid.NewString(), Token: "cUSD"})
	if err != nil {
		t.Fatalf("create settlement: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), kenyaInput(pending.ID)); !errors.Is(err, ErrSettlementNotConfirmed) {
		t.Fatalf("expected not confirmed, got %v", err)
	}
	if _, err := d.Dispatch(context.Background(), kenyaInput(uuid.NewString())); !errors.Is(err, ErrSettlementNotConfirmed) {
		t.Fatalf("expected not confirmed for unknown attempt, got %v", err)
	}
	if len(proc.Created()) != 0 {
		t.Fatalf("processor must not be called")
	}
}

func TestDispatchRejectsUnsupportedOperator(t *testing.T) {
	store := ledger.NewInMemory()
	d := NewDispatcher(&StubProcessor{}, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	in := kenyaInput(sa.ID)
	in.Operator = "WAVE"
	if _, err := d.Dispatch(context.Background(), in); !errors.Is(err, corridor.ErrUnsupportedOperator) {
		t.Fatalf("expected unsupported operator, got %v", err)
	}
}

func TestDispatchRejectsIncompleteInput(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	in := kenyaInput(sa.ID)
	in.Receiver = " "
	if _, err := d.Dispatch(context.Background(), in); !errors.Is(err, ErrInvalidPayout) {
		t.Fatalf("expected invalid payout, got %v", err)
	}
	if len(proc.Created()) != 0 {
		t.Fatalf("processor must not be called")
	}
}

func TestDispatchTransportErrorIsFailed(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{CreateErr: errors.New("connection reset")}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	attempt, err := d.Dispatch(context.Background(), kenyaInput(sa.ID))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if attempt.Status != ledger.PayoutFailed {
		t.Fatalf("expected failed, got %s", attempt.Status)
	}
	if string(attempt.RawPayload) != `{"error":"connection reset"}` {
		t.Fatalf("unexpected raw payload %s", attempt.RawPayload)
	}
}

func TestRequeryResolvesAmbiguous(t *testing.T) {
	store := ledger.NewInMemory()
	proc := &StubProcessor{DataStatus: "NEW"}
	d := NewDispatcher(proc, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)
	in := kenyaInput(sa.ID)

	attempt, err := d.Dispatch(context.Background(), in)
	if err != nil || attempt.Status != ledger.PayoutAmbiguous {
		t.Fatalf("expected ambiguous dispatch, got %s %v", attempt.Status, err)
	}

	proc.QueryErr = errors.New("timeout")
	unchanged, err := d.Requery(context.Background(), attempt, in.Amount, in.Currency)
	if err == nil || unchanged.Status != ledger.PayoutAmbiguous {
		t.Fatalf("lookup failure must leave the attempt untouched: %s %v", unchanged.Status, err)
	}

	proc.QueryErr = nil
	proc.QueryStatus = "SUCCESSFUL"
	resolved, err := d.Requery(context.Background(), attempt, in.Amount, in.Currency)
	if err != nil {
		t.Fatalf("requery: %v", err)
	}
	if resolved.Status != ledger.PayoutSucceeded {
		t.Fatalf("expected succeeded, got %s", resolved.Status)
	}
	stored, err := store.GetPayout(context.Background(), attempt.ID)
	if err != nil || stored.Status != ledger.PayoutSucceeded {
		t.Fatalf("requery result not stored: %s %v", stored.Status, err)
	}
}

func TestApplyIgnoresTerminalAttempts(t *testing.T) {
	store := ledger.NewInMemory()
	d := NewDispatcher(&StubProcessor{}, store, nil, corridor.Default(), logging.Discard())
	sa := confirmedSettlement(t, store)

	attempt, err := d.Dispatch(context.Background(), kenyaInput(sa.ID))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, err := d.Apply(context.Background(), attempt.ProcessorReference, ledger.PayoutFailed, []byte(`{}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Status != ledger.PayoutSucceeded {
		t.Fatalf("terminal status must not change, got %s", got.Status)
	}
	if _, err := d.Apply(context.Background(), "PEERPESA_missing", ledger.PayoutFailed, nil); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	guard := NewRedisGuard(client, time.Minute)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "sa-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := guard.Acquire(ctx, "sa-1"); !errors.Is(err, ErrDispatchInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
	other, err := guard.Acquire(ctx, "sa-2")
	if err != nil {
		t.Fatalf("independent key: %v", err)
	}
	other()

	release()
	again, err := guard.Acquire(ctx, "sa-1")
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again()

	if _, err := guard.Acquire(ctx, "sa-3"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := guard.Acquire(ctx, "sa-3"); err != nil {
		t.Fatalf("lock should expire: %v", err)
	}
}
