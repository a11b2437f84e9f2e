package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/chain"
	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/csrf"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/logging"
	"github.com/peerpesa/settlement/internal/notification"
	"github.com/peerpesa/settlement/internal/payout"
	"github.com/peerpesa/settlement/internal/rates"
)

const testUser = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

type harness struct {
	orch      *Orchestrator
	store     ledger.Store
	chain     *chain.Stub
	processor *payout.StubProcessor
	notes     *notification.Recorder
}

type harnessOption func(*harnessSetup)

type harnessSetup struct {
	store  ledger.Store
	source rates.Source
	client chain.Client
	cfg    Config
}

func withStore(store ledger.Store) harnessOption {
	return func(s *harnessSetup) { s.store = store }
}

func withRates(source rates.Source) harnessOption {
	return func(s *harnessSetup) { s.source = source }
}

func withChainClient(client chain.Client) harnessOption {
	return func(s *harnessSetup) { s.client = client }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	base := ledger.NewInMemory()
	stub := chain.NewStub()
	setup := harnessSetup{
		store:  base,
		source: rates.NewStatic(map[string]string{"KES": "129.456", "GHS": "15.2"}),
		client: stub,
		cfg: Config{
			MaxSettlementAttempts: 3,
			FinalityTimeout:       time.Second,
			FinalityRechecks:      1,
			StorageRetries:        5,
			StorageBackoff:        time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&setup)
	}

	logger := logging.Discard()
	proc := &payout.StubProcessor{}
	notes := &notification.Recorder{}
	dispatcher := payout.NewDispatcher(proc, setup.store, nil, corridor.Default(), logger)
	orch := NewOrchestrator(setup.cfg, Dependencies{
		Rates:    rates.NewService(setup.source, nil, logger),
		Chain:    setup.client,
		Payouts:  dispatcher,
		Store:    setup.store,
		Tokens:   csrf.NewIssuer(csrf.NewMemoryStore(), time.Minute),
		Notifier: notes,
		Logger:   logger,
	})
	return &harness{orch: orch, store: setup.store, chain: stub, processor: proc, notes: notes}
}

func kenyaRequest() TransferRequest {
	return TransferRequest{
		TransferID:     uuid.NewString(),
		UserAddress:    testUser,
		Token:          "cUSD",
		Principal:      decimal.NewFromInt(100),
		Country:        "Kenya",
		Receiver:       "254712345678",
		Operator:       "MPS",
		Currency:       "KES",
		FeeBasisPoints: 50,
	}
}

func (h *harness) records(t *testing.T) []ledger.Record {
	t.Helper()
	records, err := h.store.ListByUser(context.Background(), testUser)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return records
}

// assertPayoutsConfirmed checks that every payout attempt of a transfer
// references a CONFIRMED settlement attempt.
func (h *harness) assertPayoutsConfirmed(t *testing.T, transferID string) {
	t.Helper()
	attempts, err := h.store.ListSettlements(context.Background(), transferID)
	if err != nil {
		t.Fatalf("list settlements: %v", err)
	}
	for _, sa := range attempts {
		if _, err := h.store.GetPayoutBySettlement(context.Background(), sa.ID); err == nil && sa.ChainStatus != ledger.ChainConfirmed {
			t.Fatalf("payout exists for %s settlement %s", sa.ChainStatus, sa.ID)
		}
	}
}

func TestExecuteSettles(t *testing.T) {
	h := newHarness(t)
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateSettled || out.Status != ledger.DisplayCompleted {
		t.Fatalf("expected settled/completed, got %s/%s", out.State, out.Status)
	}
	if !out.Amount.Equal(decimal.RequireFromString("12945.60")) {
		t.Fatalf("expected converted amount 12945.60, got %s", out.Amount)
	}
	if !out.Total.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("expected total 100.5, got %s", out.Total)
	}

	records := h.records(t)
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	rec := records[0]
	if rec.Status != ledger.DisplayCompleted || !rec.Amount.Equal(out.Amount) || rec.Currency != "KES" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.PayoutAttemptID == "" || rec.ChainTxHash == "" {
		t.Fatalf("record must link chain and payout: %+v", rec)
	}

	submissions := h.chain.Submissions()
	if len(submissions) != 1 || !submissions[0].Total.Equal(out.Total) {
		t.Fatalf("expected one debit of the fee-inclusive total, got %+v", submissions)
	}
	created := h.processor.Created()
	if len(created) != 1 || created[0].CSRFToken == "" || created[0].Receiver != "254712345678" {
		t.Fatalf("unexpected processor calls %+v", created)
	}
	if msgs := h.notes.Messages(); len(msgs) != 1 || msgs[0].Kind != notification.KindTransferSettled {
		t.Fatalf("expected settled notification, got %+v", msgs)
	}
	h.assertPayoutsConfirmed(t, req.TransferID)
}

func TestExecuteSuccessEnvelopeWithTerminalData(t *testing.T) {
	h := newHarness(t)
	h.processor.CreateResponse = &payout.Response{
		HTTPStatus: 200,
		Status:     payout.StatusSuccess,
		Data:       &payout.TransferData{ID: "9001", Reference: "PEERPESA_x", Currency: "KES"},
		Raw:        []byte(`{"status":"success","data":{"id":9001,"reference":"PEERPESA_x"}}`),
	}

	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != ledger.DisplayCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if n := len(h.records(t)); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestExecuteChainFailure(t *testing.T) {
	h := newHarness(t)
	h.chain.Finality = []chain.FinalityResult{
		{Status: chain.StatusFailed},
		{Status: chain.StatusFailed},
		{Status: chain.StatusFailed},
	}
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateChainFailed || out.Status != ledger.DisplayFailed {
		t.Fatalf("expected chain failed, got %s/%s", out.State, out.Status)
	}
	if len(h.processor.Created()) != 0 {
		t.Fatalf("processor must not be called after a failed debit")
	}

	attempts, err := h.store.ListSettlements(context.Background(), req.TransferID)
	if err != nil {
		t.Fatalf("list settlements: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected three settlement attempts, got %d", len(attempts))
	}
	for _, sa := range attempts {
		if sa.ChainStatus != ledger.ChainFailed {
			t.Fatalf("expected failed attempt, got %s", sa.ChainStatus)
		}
		if _, err := h.store.GetPayoutBySettlement(context.Background(), sa.ID); !errors.Is(err, ledger.ErrNotFound) {
			t.Fatalf("no payout attempt may exist, got %v", err)
		}
	}

	records := h.records(t)
	if len(records) != 1 || records[0].Status != ledger.DisplayFailed {
		t.Fatalf("expected one failed record, got %+v", records)
	}
	if msgs := h.notes.Messages(); len(msgs) != 1 || msgs[0].Kind != notification.KindChainFailed {
		t.Fatalf("expected chain failed notification, got %+v", msgs)
	}
}

func TestExecuteRetriesRevertedDebit(t *testing.T) {
	h := newHarness(t)
	h.chain.Finality = []chain.FinalityResult{{Status: chain.StatusFailed}}
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateSettled || out.Attempts != 2 {
		t.Fatalf("expected settled on second attempt, got %s after %d", out.State, out.Attempts)
	}
	if out.Settlement == nil || out.Settlement.ChainStatus != ledger.ChainConfirmed {
		t.Fatalf("outcome must reference the confirmed attempt: %+v", out.Settlement)
	}
	h.assertPayoutsConfirmed(t, req.TransferID)
}

func TestExecutePayoutNetworkError(t *testing.T) {
	h := newHarness(t)
	h.processor.CreateErr = errors.New("dial tcp: connection refused")
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StatePayoutFailed || out.Status != ledger.DisplayFailed {
		t.Fatalf("expected payout failed, got %s/%s", out.State, out.Status)
	}

	records := h.records(t)
	if len(records) != 1 || records[0].Status != ledger.DisplayFailed {
		t.Fatalf("expected one failed record, got %+v", records)
	}
	sa, err := h.store.GetSettlement(context.Background(), records[0].SettlementAttemptID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if sa.ChainStatus != ledger.ChainConfirmed {
		t.Fatalf("settlement must stay confirmed, got %s", sa.ChainStatus)
	}
	p, err := h.store.GetPayoutBySettlement(context.Background(), sa.ID)
	if err != nil || p.Status != ledger.PayoutFailed {
		t.Fatalf("expected failed payout attempt, got %+v %v", p, err)
	}

	view, err := h.orch.Get(context.Background(), records[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.State != StatePayoutFailed {
		t.Fatalf("stored view must distinguish payout failure, got %s", view.State)
	}
	if msgs := h.notes.Messages(); len(msgs) != 1 || msgs[0].Kind != notification.KindPayoutFailed {
		t.Fatalf("expected payout failed notification, got %+v", msgs)
	}
}

func TestExecuteQueuedPayoutIsAmbiguous(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "NEW"
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StatePayoutAmbiguous || out.Status != ledger.DisplayPending {
		t.Fatalf("expected ambiguous/pending, got %s/%s", out.State, out.Status)
	}
	if out.Payout == nil || out.Payout.Status != ledger.PayoutAmbiguous {
		t.Fatalf("expected ambiguous payout attempt, got %+v", out.Payout)
	}

	h.processor.QueryStatus = "SUCCESSFUL"
	report, err := h.orch.Reconcile(context.Background(), 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Scanned != 1 || report.Resolved != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	records := h.records(t)
	if len(records) != 1 || records[0].Status != ledger.DisplayCompleted {
		t.Fatalf("expected completed after reconcile, got %+v", records)
	}
	if got := h.processor.Queried(); len(got) != 1 || got[0] != payout.Reference(out.Settlement.ID) {
		t.Fatalf("expected requery by reference, got %v", got)
	}
}

func TestReconcileKeepsPendingPayout(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "PENDING"
	if _, err := h.orch.Execute(context.Background(), kenyaRequest()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	h.processor.QueryStatus = "PENDING"
	report, err := h.orch.Reconcile(context.Background(), 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Pending != 1 || report.Resolved != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := len(h.notes.Messages()); got != 1 {
		t.Fatalf("pending payouts must not be re-notified, got %d messages", got)
	}
}

func TestExecuteFinalityTimeoutResolvedByReconcile(t *testing.T) {
	h := newHarness(t)
	h.chain.Finality = []chain.FinalityResult{
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
	}
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateChainSubmitted || out.Status != ledger.DisplayPending {
		t.Fatalf("timeout must leave the transfer pending, got %s/%s", out.State, out.Status)
	}
	if h.chain.Awaits() != 2 {
		t.Fatalf("expected one re-check after the timeout, got %d waits", h.chain.Awaits())
	}
	if out.Settlement == nil || out.Settlement.ChainStatus != ledger.ChainPending {
		t.Fatalf("settlement must stay pending, got %+v", out.Settlement)
	}
	if len(h.processor.Created()) != 0 {
		t.Fatalf("no payout before confirmation")
	}

	report, err := h.orch.Reconcile(context.Background(), 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Pending != 1 {
		t.Fatalf("unmined debit must stay pending, got %+v", report)
	}

	h.chain.SetReceipt(out.Settlement.ChainTxHash, chain.StatusConfirmed)
	report, err = h.orch.Reconcile(context.Background(), 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Resolved != 1 {
		t.Fatalf("expected resolution after confirmation, got %+v", report)
	}
	records := h.records(t)
	if len(records) != 1 || records[0].Status != ledger.DisplayCompleted {
		t.Fatalf("expected completed record, got %+v", records)
	}
	h.assertPayoutsConfirmed(t, req.TransferID)
}

func TestReconcileMarksRevertedDebitFailed(t *testing.T) {
	h := newHarness(t)
	h.chain.Finality = []chain.FinalityResult{
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
	}
	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	h.chain.SetReceipt(out.Settlement.ChainTxHash, chain.StatusFailed)
	if _, err := h.orch.Reconcile(context.Background(), 10); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	view, err := h.orch.Get(context.Background(), out.RecordID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.State != StateChainFailed || view.Status != ledger.DisplayFailed {
		t.Fatalf("expected chain failed, got %s/%s", view.State, view.Status)
	}
	if len(h.processor.Created()) != 0 {
		t.Fatalf("no payout for a reverted debit")
	}
}

func TestExecuteAbortsWithoutLedgerWrite(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*harness)
		opts  []harnessOption
		want  error
	}{
		{
			name: "rate unavailable",
			opts: []harnessOption{withRates(rates.Failing(errors.New("upstream 500")))},
			want: rates.ErrRateUnavailable,
		},
		{
			name: "insufficient balance",
			setup: func(h *harness) {
				h.chain.Balances = map[string]decimal.Decimal{"0x8ba1f109551bd432803012645ac136ddd64dba72": decimal.NewFromInt(100)}
			},
			want: chain.ErrInsufficientBalance,
		},
		{
			name: "wallet unavailable",
			setup: func(h *harness) {
				h.chain.SubmitErr = []error{chain.ErrWalletUnavailable}
			},
			want: chain.ErrWalletUnavailable,
		},
		{
			name: "amount finer than token decimals",
			setup: func(h *harness) {
				h.chain.SubmitErr = []error{chain.ErrInvalidAmount}
			},
			want: chain.ErrInvalidAmount,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.opts...)
			if tc.setup != nil {
				tc.setup(h)
			}
			_, err := h.orch.Execute(context.Background(), kenyaRequest())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := len(h.records(t)); n != 0 {
				t.Fatalf("expected no ledger record, got %d", n)
			}
			if len(h.processor.Created()) != 0 {
				t.Fatalf("processor must not be called")
			}
		})
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	req := kenyaRequest()
	req.Principal = decimal.Zero
	if _, err := h.orch.Execute(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	req = kenyaRequest()
	req.UserAddress = "not-an-address"
	if _, err := h.orch.Execute(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if len(h.chain.Submissions()) != 0 {
		t.Fatalf("no chain call for invalid input")
	}
}

func TestExecuteRejectsUnservableCorridorBeforeDebit(t *testing.T) {
	cases := map[string]func(*TransferRequest){
		"missing operator":     func(r *TransferRequest) { r.Operator = "" },
		"foreign operator":     func(r *TransferRequest) { r.Operator = "MTN" },
		"unknown country":      func(r *TransferRequest) { r.Country = "Atlantis" },
		"currency mismatch":    func(r *TransferRequest) { r.Currency = "UGX" },
		"receiver not a phone": func(r *TransferRequest) { r.Receiver = "2547-abc" },
	}
	for name, mutate := range cases {
		h := newHarness(t)
		req := kenyaRequest()
		mutate(&req)
		if _, err := h.orch.Execute(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
		if len(h.chain.Submissions()) != 0 {
			t.Fatalf("%s: debit submitted for a corridor that cannot pay out", name)
		}
		if len(h.records(t)) != 0 {
			t.Fatalf("%s: expected no ledger record", name)
		}
	}
}

func TestExecuteNormalizesReceiver(t *testing.T) {
	h := newHarness(t)
	req := kenyaRequest()
	req.Receiver = "0712 345 678"
	if _, err := h.orch.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	created := h.processor.Created()
	if len(created) != 1 || created[0].Receiver != "254712345678" {
		t.Fatalf("expected international receiver, got %+v", created)
	}
}

// hashWriteFailures fails the next writes that attach a tx hash to a pending
// settlement attempt.
type hashWriteFailures struct {
	ledger.Store

	mu        sync.Mutex
	remaining int
}

func (s *hashWriteFailures) UpdateSettlement(ctx context.Context, attemptID, txHash string, status ledger.ChainStatus) (ledger.SettlementAttempt, error) {
	if txHash != "" && status == ledger.ChainPending {
		s.mu.Lock()
		fail := s.remaining > 0
		if fail {
			s.remaining--
		}
		s.mu.Unlock()
		if fail {
			return ledger.SettlementAttempt{}, ledger.ErrStorage
		}
	}
	return s.Store.UpdateSettlement(ctx, attemptID, txHash, status)
}

func TestExecuteRetriesTxHashWrite(t *testing.T) {
	store := &hashWriteFailures{Store: ledger.NewInMemory(), remaining: 2}
	h := newHarness(t, withStore(store))
	h.chain.Finality = []chain.FinalityResult{
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
	}

	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	sa, err := h.store.GetSettlement(context.Background(), out.Settlement.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if sa.ChainTxHash == "" || sa.ChainTxHash != out.Settlement.ChainTxHash {
		t.Fatalf("tx hash not persisted after retries: %+v", sa)
	}
}

func TestReconcileUsesRecordTxHashWhenAttemptLostIt(t *testing.T) {
	store := &hashWriteFailures{Store: ledger.NewInMemory(), remaining: 100}
	h := newHarness(t, withStore(store))
	h.chain.Finality = []chain.FinalityResult{
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
		{Status: chain.StatusPending, Err: chain.ErrFinalityTimeout},
	}
	req := kenyaRequest()

	out, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	records := h.records(t)
	if len(records) != 1 || records[0].ChainTxHash == "" {
		t.Fatalf("expected pending record with tx hash, got %+v", records)
	}
	stored, err := h.store.GetSettlement(context.Background(), out.Settlement.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if stored.ChainTxHash != "" {
		t.Fatalf("expected the attempt to have lost its hash, got %q", stored.ChainTxHash)
	}

	h.chain.SetReceipt(records[0].ChainTxHash, chain.StatusConfirmed)
	report, err := h.orch.Reconcile(context.Background(), 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Resolved != 1 {
		t.Fatalf("expected the confirmed debit to be resolved, got %+v", report)
	}
	stored, err = h.store.GetSettlement(context.Background(), out.Settlement.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if stored.ChainStatus != ledger.ChainConfirmed || stored.ChainTxHash != records[0].ChainTxHash {
		t.Fatalf("expected confirmed attempt carrying the hash, got %+v", stored)
	}
	if got := h.records(t); got[0].Status != ledger.DisplayCompleted {
		t.Fatalf("expected completed record, got %s", got[0].Status)
	}
	h.assertPayoutsConfirmed(t, req.TransferID)
}

func TestExecuteSubmissionRetries(t *testing.T) {
	h := newHarness(t)
	h.chain.SubmitErr = []error{chain.ErrSubmission, chain.ErrSubmission, chain.ErrSubmission}

	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateChainFailed || out.Attempts != 3 {
		t.Fatalf("expected chain failed after 3 attempts, got %s after %d", out.State, out.Attempts)
	}
	records := h.records(t)
	if len(records) != 1 || records[0].Status != ledger.DisplayFailed || records[0].ChainTxHash != "" {
		t.Fatalf("expected failed record without tx hash, got %+v", records)
	}

	h2 := newHarness(t)
	h2.chain.SubmitErr = []error{chain.ErrSubmission}
	out, err = h2.orch.Execute(context.Background(), kenyaRequest())
	if err != nil || out.State != StateSettled || out.Attempts != 2 {
		t.Fatalf("expected settled on retry, got %s after %d: %v", out.State, out.Attempts, err)
	}
}

func TestExecuteIsIdempotentPerTransfer(t *testing.T) {
	h := newHarness(t)
	req := kenyaRequest()

	first, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if first.RecordID != second.RecordID || second.State != StateSettled {
		t.Fatalf("expected the same settled record, got %+v", second)
	}
	if len(h.chain.Submissions()) != 1 || len(h.processor.Created()) != 1 {
		t.Fatalf("replay must not debit or pay out again")
	}
	if n := len(h.records(t)); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestExecuteRetriesLedgerWrites(t *testing.T) {
	flaky := ledger.NewFlakyStore(ledger.NewInMemory(), 3)
	h := newHarness(t, withStore(flaky))

	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != ledger.DisplayCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if flaky.Calls() < 4 {
		t.Fatalf("expected retried writes, got %d calls", flaky.Calls())
	}
	if n := len(h.records(t)); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestExecuteGivesUpOnPersistentStorageFailure(t *testing.T) {
	flaky := ledger.NewFlakyStore(ledger.NewInMemory(), 100)
	h := newHarness(t, withStore(flaky))

	_, err := h.orch.Execute(context.Background(), kenyaRequest())
	if !errors.Is(err, ledger.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

type cancelOnSubmit struct {
	*chain.Stub
	cancel context.CancelFunc
	t      *testing.T
}

func (c *cancelOnSubmit) SubmitDebit(ctx context.Context, user, token string, total decimal.Decimal) (string, error) {
	hash, err := c.Stub.SubmitDebit(ctx, user, token, total)
	c.cancel()
	return hash, err
}

func (c *cancelOnSubmit) AwaitFinality(ctx context.Context, txHash string, timeout time.Duration) (chain.Status, error) {
	if ctx.Err() != nil {
		c.t.Errorf("finality wait must not observe caller cancellation")
	}
	return c.Stub.AwaitFinality(ctx, txHash, timeout)
}

func TestExecuteIgnoresCancellationAfterSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancelOnSubmit{Stub: chain.NewStub(), cancel: cancel, t: t}
	h := newHarness(t, withChainClient(client))

	out, err := h.orch.Execute(ctx, kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.State != StateSettled {
		t.Fatalf("expected the flow to finish, got %s", out.State)
	}
}

func TestExecuteCancelledBeforeSubmit(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.orch.Execute(ctx, kenyaRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(h.chain.Submissions()) != 0 || len(h.records(t)) != 0 {
		t.Fatalf("nothing may move after an early cancel")
	}
}

func TestApplyPayoutUpdateSettlesAmbiguousTransfer(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "NEW"
	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	updated, err := h.orch.ApplyPayoutUpdate(context.Background(), out.Payout.ProcessorReference, ledger.PayoutFailed, []byte(`{"status":"FAILED"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.State != StatePayoutFailed || updated.Status != ledger.DisplayFailed {
		t.Fatalf("expected payout failed, got %s/%s", updated.State, updated.Status)
	}

	if _, err := h.orch.ApplyPayoutUpdate(context.Background(), "PEERPESA_unknown", ledger.PayoutSucceeded, nil); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRequeryPayout(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "NEW"
	out, err := h.orch.Execute(context.Background(), kenyaRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	h.processor.QueryStatus = "SUCCESSFUL"
	view, err := h.orch.RequeryPayout(context.Background(), out.Payout.ProcessorReference)
	if err != nil {
		t.Fatalf("requery: %v", err)
	}
	if view.State != StateSettled || view.Payout == nil || view.Payout.Status != ledger.PayoutSucceeded {
		t.Fatalf("expected settled, got %+v", view)
	}
}

func TestQuote(t *testing.T) {
	h := newHarness(t)
	q, err := h.orch.Quote(context.Background(), decimal.NewFromInt(100), "cUSD", "KES", 50)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Fee.Equal(decimal.RequireFromString("0.5")) || !q.Total.Equal(decimal.RequireFromString("100.5")) || !q.Payout.Equal(decimal.RequireFromString("12945.6")) {
		t.Fatalf("unexpected quote %+v", q)
	}
	if _, err := h.orch.Quote(context.Background(), decimal.NewFromInt(-1), "cUSD", "KES", 50); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestStateDisplayStatus(t *testing.T) {
	cases := map[State]ledger.DisplayStatus{
		StateSettled:         ledger.DisplayCompleted,
		StatePayoutFailed:    ledger.DisplayFailed,
		StateChainFailed:     ledger.DisplayFailed,
		StatePayoutAmbiguous: ledger.DisplayPending,
		StateChainSubmitted:  ledger.DisplayPending,
	}
	for state, want := range cases {
		if got := state.DisplayStatus(); got != want {
			t.Fatalf("%s: expected %s got %s", state, want, got)
		}
	}
	if StateChainConfirmed.Terminal() || !StateChainFailed.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}
