package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testRouter(t *testing.T, st store.Store) chi.Router {
	t.Helper()
	hub := NewHub()
	srv := NewServer(st, hub)
	r := chi.NewRouter()
	srv.Register(r)
	return r
}

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	st.SeedWallet(d(10000))
	err := st.CreateAsset(context.Background(), &model.Asset{
		Code:          "PETR4",
		Name:          "Petrobras PN",
		Type:          model.AssetTypeEquity,
		CurrentPrice:  d(100),
		PreviousPrice: d(100),
	})
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return st
}

func TestHealth(t *testing.T) {
	r := testRouter(t, seededStore(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestGetPortfolio(t *testing.T) {
	r := testRouter(t, seededStore(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Wallet struct {
			CashBalance decimal.Decimal `json:"cash_balance"`
		} `json:"wallet"`
		Positions []model.Position `json:"positions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Wallet.CashBalance.Equal(d(10000)) {
		t.Errorf("expected cash 10000, got %s", resp.Wallet.CashBalance)
	}
	if len(resp.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(resp.Positions))
	}
}

func TestGetPortfolio_NoWallet(t *testing.T) {
	r := testRouter(t, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/portfolio", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestUpdatePrice(t *testing.T) {
	st := seededStore(t)
	r := testRouter(t, st)

	body := strings.NewReader(`{"price": "110.50"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/assets/PETR4/price", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	asset, err := st.GetAsset(context.Background(), "PETR4")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if !asset.CurrentPrice.Equal(d(110.50)) {
		t.Errorf("expected current price 110.50, got %s", asset.CurrentPrice)
	}
	if !asset.PreviousPrice.Equal(d(100)) {
		t.Errorf("expected previous price 100, got %s", asset.PreviousPrice)
	}
}

func TestUpdatePrice_UnknownAsset(t *testing.T) {
	r := testRouter(t, seededStore(t))

	body := strings.NewReader(`{"price": "10"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/assets/NOPE/price", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestUpdatePrice_RejectsNonPositive(t *testing.T) {
	r := testRouter(t, seededStore(t))

	for _, raw := range []string{`{"price": "0"}`, `{"price": "-5"}`} {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/assets/PETR4/price", strings.NewReader(raw))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %s, got %d", raw, w.Code)
		}
	}
}

func TestCreateAsset(t *testing.T) {
	st := seededStore(t)
	r := testRouter(t, st)

	body := strings.NewReader(`{"code": "BTC", "name": "Bitcoin", "type": "crypto", "price": "200000"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	asset, err := st.GetAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if asset.Type != model.AssetTypeCrypto {
		t.Errorf("expected crypto, got %s", asset.Type)
	}
	// Previous price starts equal to current so variation reads zero.
	if !asset.PreviousPrice.Equal(d(200000)) {
		t.Errorf("expected previous price seeded, got %s", asset.PreviousPrice)
	}
}

func TestCreateAsset_UnknownType(t *testing.T) {
	r := testRouter(t, seededStore(t))

	body := strings.NewReader(`{"code": "X", "type": "derivative", "price": "10"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", w.Code)
	}
}

func TestUpsertTarget(t *testing.T) {
	st := seededStore(t)
	r := testRouter(t, st)

	body := strings.NewReader(`{"asset_type": "equity", "percentage": "60", "tolerance": "5"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	targets, err := st.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if len(targets) != 1 || !targets[0].Percentage.Equal(d(60)) {
		t.Errorf("expected equity target at 60%%, got %v", targets)
	}
}

func TestUpsertTarget_RejectsOverHundred(t *testing.T) {
	r := testRouter(t, seededStore(t))

	body := strings.NewReader(`{"asset_type": "equity", "percentage": "150", "tolerance": "5"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestListTransactions_LimitParam(t *testing.T) {
	st := seededStore(t)
	r := testRouter(t, st)

	ctx := context.Background()
	w, _ := st.GetWallet(ctx)
	pos := &model.Position{AssetCode: "PETR4", Quantity: d(1)}
	for _, id := range []string{"t1", "t2", "t3"} {
		txn := &model.Transaction{ID: id, AssetCode: "PETR4", Side: model.SideBuy}
		if err := st.ApplyTrade(ctx, txn, pos, w); err != nil {
			t.Fatalf("seed transaction: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions?limit=2", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var txns []model.Transaction
	if err := json.NewDecoder(rec.Body).Decode(&txns); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txns))
	}
}
