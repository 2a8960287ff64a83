package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/notify"
	"github.com/brlx/trading-engine/internal/orders"
	"github.com/brlx/trading-engine/internal/quote"
	"github.com/brlx/trading-engine/internal/report"
	"github.com/brlx/trading-engine/internal/store"
	"github.com/brlx/trading-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv wires a full engine on the in-memory store with a stub quote
// provider. No dispatcher: accepted orders are processed explicitly.
func newTestEnv(t *testing.T) (chi.Router, *orders.Pipeline, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedUser(model.User{ID: "u1", Name: "Ana", Email: "ana@example.com"})

	quoteSvc := quote.NewService(
		quote.NewMemoryCache(30*time.Second),
		quote.NewStubProvider(d("100000"), d("100000")),
	)
	pipeline := orders.NewPipeline(ms, ms, quoteSvc, notify.LogNotifier{})
	reports, err := report.NewService(ms, quoteSvc, "")
	if err != nil {
		t.Fatalf("report service: %v", err)
	}
	svc := trade.NewService(pipeline, reports, quoteSvc, nil, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r, pipeline, ms
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestDepositEndpoint(t *testing.T) {
	router, _, _ := newTestEnv(t)
	req := trade.DepositRequest{UserID: "u1", AmountBRL: d("300"), ClientRequestID: "dep-1"}

	w := doJSON(t, router, "POST", "/api/v1/deposits", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	// Replay: 200, same transaction.
	first := decodeBody(t, w)
	w = doJSON(t, router, "POST", "/api/v1/deposits", req)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d", w.Code)
	}
	again := decodeBody(t, w)
	if again["id"] != first["id"] {
		t.Error("replay returned a different transaction id")
	}
	if again["idempotent"] != true {
		t.Error("replay not flagged idempotent")
	}
}

func TestDepositEndpoint_InvalidAmount(t *testing.T) {
	router, _, _ := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/deposits", trade.DepositRequest{
		UserID: "u1", AmountBRL: d("-5"), ClientRequestID: "dep-1",
	})
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "INVALID_INPUT" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestBuyEndpoint_InsufficientFunds(t *testing.T) {
	router, _, _ := newTestEnv(t)
	w := doJSON(t, router, "POST", "/api/v1/orders/buy", trade.OrderRequest{
		UserID: "u1", AmountBRL: d("100"), ClientRequestID: "buy-1",
	})
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "INSUFFICIENT_FUNDS" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestOrderFlowThroughAPI(t *testing.T) {
	router, pipeline, _ := newTestEnv(t)
	ctx := context.Background()

	w := doJSON(t, router, "POST", "/api/v1/deposits", trade.DepositRequest{
		UserID: "u1", AmountBRL: d("300"), ClientRequestID: "dep-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/orders/buy", trade.OrderRequest{
		UserID: "u1", AmountBRL: d("100"), ClientRequestID: "buy-1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("buy status = %d body = %s", w.Code, w.Body.String())
	}
	accepted := decodeBody(t, w)
	if accepted["status"] != string(model.StatusEnqueued) {
		t.Errorf("accept status = %v", accepted["status"])
	}

	if err := pipeline.Process(ctx, model.SideBuy, "u1", "buy-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	w = doJSON(t, router, "GET", "/api/v1/balance/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance status = %d", w.Code)
	}
	balance := decodeBody(t, w)
	if balance["balance_brl"] != "200" {
		t.Errorf("balance = %v, want 200", balance["balance_brl"])
	}

	w = doJSON(t, router, "GET", "/api/v1/positions/u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("positions status = %d", w.Code)
	}
	var views []report.PositionView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(views) != 1 || !views[0].QtyBTC.Equal(d("0.001")) {
		t.Errorf("positions = %+v", views)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	router, _, _ := newTestEnv(t)
	w := doJSON(t, router, "GET", "/api/v1/quotes/current", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["buy"] != "100000" {
		t.Errorf("buy = %v", body["buy"])
	}
}

func TestStatementEndpoint_BadParams(t *testing.T) {
	router, _, _ := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/statement/u1?limit=abc", nil)
	if w.Code != 422 {
		t.Errorf("bad limit status = %d, want 422", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/v1/statement/u1?from=2025-06-01&to=2025-01-01", nil)
	if w.Code != 422 {
		t.Fatalf("inverted range status = %d, want 422", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "INVALID_RANGE" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestHistoryEndpoint_FullGrid(t *testing.T) {
	router, _, _ := newTestEnv(t)
	w := doJSON(t, router, "GET", "/api/v1/quotes/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h report.History
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if h.Slots != 144 || len(h.Items) != 144 {
		t.Errorf("slots = %d items = %d, want 144", h.Slots, len(h.Items))
	}
}
