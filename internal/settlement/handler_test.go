package settlement

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/ledger"
	"github.com/peerpesa/settlement/internal/logging"
	"github.com/peerpesa/settlement/internal/wizard"
)

const testWebhookHash = "s3cret-hash"

func newTestApp(t *testing.T, h *harness) *fiber.App {
	t.Helper()
	catalog := corridor.Default()
	handler := NewHandler(h.orch, wizard.NewReducer(catalog, 50, []string{"cUSD", "USDT"}), catalog,
		HandlerConfig{FeeBasisPoints: 50, WebhookHash: testWebhookHash}, logging.Discard())

	app := fiber.New()
	app.Post("/transfers", handler.Create)
	app.Get("/transfers", handler.List)
	app.Get("/transfers/:recordId", handler.Get)
	app.Get("/quote", handler.Quote)
	app.Get("/corridors", handler.Corridors)
	app.Post("/payouts/callback", handler.Callback)
	app.Post("/admin/payouts/:reference/requery", handler.Requery)
	app.Post("/admin/reconcile", handler.Reconcile)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func transferBody() map[string]any {
	return map[string]any{
		"transfer_id":      "tr-1",
		"user_address":     testUser,
		"token":            "cusd",
		"amount":           "100",
		"country":          "kenya",
		"phone":            "0712 345 678",
		"operator":         "mps",
		"beneficiary_name": "Wanjiku",
	}
}

func TestCreateTransfer(t *testing.T) {
	h := newHarness(t)
	app := newTestApp(t, h)

	resp, body := doJSON(t, app, http.MethodPost, "/transfers", transferBody(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["status"] != string(ledger.DisplayCompleted) || body["state"] != string(StateSettled) {
		t.Fatalf("unexpected body %v", body)
	}
	if body["transfer_id"] != "tr-1" {
		t.Fatalf("transfer id not kept: %v", body["transfer_id"])
	}
	created := h.processor.Created()
	if len(created) != 1 || created[0].Receiver != "254712345678" || created[0].Operator != "MPS" {
		t.Fatalf("unexpected payout instruction %+v", created)
	}

	resp, body = doJSON(t, app, http.MethodGet, "/transfers?address="+testUser, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	records, _ := body["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %v", body)
	}
	recordID := records[0].(map[string]any)["record_id"].(string)

	resp, body = doJSON(t, app, http.MethodGet, "/transfers/"+recordID, nil, nil)
	if resp.StatusCode != http.StatusOK || body["state"] != string(StateSettled) {
		t.Fatalf("unexpected get %d %v", resp.StatusCode, body)
	}
}

func TestCreateTransferPendingIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "NEW"
	app := newTestApp(t, h)

	resp, body := doJSON(t, app, http.MethodPost, "/transfers", transferBody(), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	if body["status"] != string(ledger.DisplayPending) {
		t.Fatalf("expected pending, got %v", body["status"])
	}
}

func TestCreateTransferUsesIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	app := newTestApp(t, h)
	payload := transferBody()
	delete(payload, "transfer_id")

	_, body := doJSON(t, app, http.MethodPost, "/transfers", payload, map[string]string{"Idempotency-Key": "key-42"})
	if body["transfer_id"] != "key-42" {
		t.Fatalf("expected transfer id from header, got %v", body["transfer_id"])
	}
}

func TestCreateTransferRejectsBadInput(t *testing.T) {
	cases := map[string]func(map[string]any){
		"bad phone":       func(b map[string]any) { b["phone"] = "12ab" },
		"bad operator":    func(b map[string]any) { b["operator"] = "MTN" },
		"bad country":     func(b map[string]any) { b["country"] = "Atlantis" },
		"bad token":       func(b map[string]any) { b["token"] = "DOGE" },
		"zero amount":     func(b map[string]any) { b["amount"] = "0" },
		"bad address":     func(b map[string]any) { b["user_address"] = "0x123" },
		"non numeric sum": func(b map[string]any) { b["amount"] = "ten" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			app := newTestApp(t, h)
			payload := transferBody()
			mutate(payload)

			resp, _ := doJSON(t, app, http.MethodPost, "/transfers", payload, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if len(h.chain.Submissions()) != 0 {
				t.Fatalf("invalid input must not reach the chain")
			}
		})
	}
}

func TestCreateTransferInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.chain.Balances = map[string]decimal.Decimal{}
	app := newTestApp(t, h)

	resp, _ := doJSON(t, app, http.MethodPost, "/transfers", transferBody(), nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestListRequiresAddress(t *testing.T) {
	app := newTestApp(t, newHarness(t))
	resp, _ := doJSON(t, app, http.MethodGet, "/transfers?address=nope", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, app, http.MethodGet, "/transfers/missing", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	app := newTestApp(t, newHarness(t))

	resp, body := doJSON(t, app, http.MethodGet, "/quote?amount=100&country=Kenya&token=cUSD", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["currency"] != "KES" || body["payout_amount"] != "12945.6" || body["total"] != "100.5" {
		t.Fatalf("unexpected quote %v", body)
	}

	resp, _ = doJSON(t, app, http.MethodGet, "/quote?amount=100&country=Atlantis", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCorridorsEndpoint(t *testing.T) {
	app := newTestApp(t, newHarness(t))
	resp, body := doJSON(t, app, http.MethodGet, "/corridors", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	countries, _ := body["countries"].([]any)
	if len(countries) == 0 {
		t.Fatalf("expected corridors, got %v", body)
	}
}

func TestCallbackAppliesPayout(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "NEW"
	app := newTestApp(t, h)

	_, body := doJSON(t, app, http.MethodPost, "/transfers", transferBody(), nil)
	payoutView := body["payout"].(map[string]any)
	reference := payoutView["processor_reference"].(string)

	event := map[string]any{
		"event": "transfer.completed",
		"data":  map[string]any{"id": 42, "reference": reference, "status": "SUCCESSFUL"},
	}
	resp, _ := doJSON(t, app, http.MethodPost, "/payouts/callback", event, map[string]string{"verif-hash": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, app, http.MethodPost, "/payouts/callback", event, map[string]string{"verif-hash": testWebhookHash})
	if resp.StatusCode != http.StatusOK || body["state"] != string(StateSettled) {
		t.Fatalf("unexpected callback result %d %v", resp.StatusCode, body)
	}

	unknown := map[string]any{
		"event": "transfer.completed",
		"data":  map[string]any{"id": 43, "reference": "PEERPESA_missing", "status": "SUCCESSFUL"},
	}
	resp, _ = doJSON(t, app, http.MethodPost, "/payouts/callback", unknown, map[string]string{"verif-hash": testWebhookHash})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAdminRequeryAndReconcile(t *testing.T) {
	h := newHarness(t)
	h.processor.DataStatus = "PENDING"
	app := newTestApp(t, h)

	_, body := doJSON(t, app, http.MethodPost, "/transfers", transferBody(), nil)
	reference := body["payout"].(map[string]any)["processor_reference"].(string)

	resp, body := doJSON(t, app, http.MethodPost, "/admin/reconcile?limit=5", nil, nil)
	if resp.StatusCode != http.StatusOK || body["pending"] != float64(1) {
		t.Fatalf("unexpected reconcile %d %v", resp.StatusCode, body)
	}

	h.processor.QueryStatus = "FAILED"
	resp, body = doJSON(t, app, http.MethodPost, "/admin/payouts/"+reference+"/requery", nil, nil)
	if resp.StatusCode != http.StatusOK || body["state"] != string(StatePayoutFailed) {
		t.Fatalf("unexpected requery %d %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/admin/payouts/PEERPESA_missing/requery", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
