package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seededStore(t *testing.T, cash float64) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.SeedWallet(d(cash))
	if err := s.CreateAsset(context.Background(), &model.Asset{
		Code:          "PETR4",
		Name:          "Petrobras PN",
		Type:          model.AssetTypeEquity,
		CurrentPrice:  d(100),
		PreviousPrice: d(100),
	}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return s
}

func TestGetWallet_Unseeded(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetWallet(context.Background())
	if !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestUpdateAssetPrice_ShiftsPrevious(t *testing.T) {
	s := seededStore(t, 1000)
	ctx := context.Background()

	if err := s.UpdateAssetPrice(ctx, "PETR4", d(110)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := s.GetAsset(ctx, "PETR4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.CurrentPrice.Equal(d(110)) {
		t.Errorf("expected current price 110, got %s", a.CurrentPrice)
	}
	if !a.PreviousPrice.Equal(d(100)) {
		t.Errorf("expected previous price 100, got %s", a.PreviousPrice)
	}
}

func TestUpdateAssetPrice_UnknownAsset(t *testing.T) {
	s := seededStore(t, 1000)
	err := s.UpdateAssetPrice(context.Background(), "NOPE", d(10))
	if !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestApplyTrade_CommitsAllWrites(t *testing.T) {
	s := seededStore(t, 1000)
	ctx := context.Background()

	txn := &model.Transaction{
		ID:         "txn-1",
		AssetCode:  "PETR4",
		Side:       model.SideBuy,
		Quantity:   d(5),
		UnitPrice:  d(100),
		TotalValue: d(500),
		Timestamp:  time.Now().UTC(),
	}
	pos := &model.Position{
		AssetCode: "PETR4",
		Quantity:  d(5),
		AvgCost:   d(100),
		CostBasis: d(500),
	}
	w := &model.Wallet{CashBalance: d(500), TotalValue: d(1000)}

	if err := s.ApplyTrade(ctx, txn, pos, w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetPosition(ctx, "PETR4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Quantity.Equal(d(5)) {
		t.Errorf("expected quantity 5, got %s", got.Quantity)
	}
	// Asset data must be joined in on read.
	if got.AssetType != model.AssetTypeEquity {
		t.Errorf("expected joined asset type equity, got %s", got.AssetType)
	}
	if !got.CurrentPrice.Equal(d(100)) {
		t.Errorf("expected joined price 100, got %s", got.CurrentPrice)
	}

	wallet, err := s.GetWallet(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wallet.CashBalance.Equal(d(500)) {
		t.Errorf("expected cash 500, got %s", wallet.CashBalance)
	}

	txns, err := s.ListTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txns) != 1 || txns[0].ID != "txn-1" {
		t.Errorf("expected one recorded transaction, got %v", txns)
	}
}

func TestApplyTrade_ZeroQuantityDeletesPosition(t *testing.T) {
	s := seededStore(t, 1000)
	ctx := context.Background()

	buy := &model.Position{AssetCode: "PETR4", Quantity: d(5), AvgCost: d(100), CostBasis: d(500)}
	w := &model.Wallet{CashBalance: d(500), TotalValue: d(1000)}
	if err := s.ApplyTrade(ctx, &model.Transaction{ID: "t1", AssetCode: "PETR4", Side: model.SideBuy}, buy, w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closed := &model.Position{AssetCode: "PETR4", Quantity: decimal.Zero}
	w2 := &model.Wallet{CashBalance: d(1000), TotalValue: d(1000)}
	if err := s.ApplyTrade(ctx, &model.Transaction{ID: "t2", AssetCode: "PETR4", Side: model.SideSell}, closed, w2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.GetPosition(ctx, "PETR4")
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected position deleted, got %v", err)
	}
}

func TestListTransactions_NewestFirstAndLimited(t *testing.T) {
	s := seededStore(t, 1000)
	ctx := context.Background()

	pos := &model.Position{AssetCode: "PETR4", Quantity: d(1)}
	w := &model.Wallet{CashBalance: d(1000)}
	for _, id := range []string{"t1", "t2", "t3"} {
		txn := &model.Transaction{ID: id, AssetCode: "PETR4", Side: model.SideBuy}
		if err := s.ApplyTrade(ctx, txn, pos, w); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	txns, err := s.ListTransactions(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[0].ID != "t3" || txns[1].ID != "t2" {
		t.Errorf("expected newest first [t3 t2], got [%s %s]", txns[0].ID, txns[1].ID)
	}
}

func TestLatestAlertMatching(t *testing.T) {
	s := seededStore(t, 1000)
	ctx := context.Background()

	alerts := []model.Alert{
		{ID: "a1", SourceAgent: "coordinator", Kind: "allocation_drift", Message: "out of balance for equity"},
		{ID: "a2", SourceAgent: "coordinator", Kind: "allocation_drift", Message: "out of balance for crypto"},
		{ID: "a3", SourceAgent: "authority", Kind: "low_liquidity", Message: "cash low"},
	}
	for i := range alerts {
		if err := s.InsertAlert(ctx, &alerts[i]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.LatestAlertMatching(ctx, "coordinator", "allocation_drift", "equity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != "a1" {
		t.Errorf("expected a1, got %+v", got)
	}

	// No match returns nil without error.
	got, err = s.LatestAlertMatching(ctx, "coordinator", "allocation_drift", "fund")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for no match, got %+v", got)
	}
}

func TestUpsertTarget_ReplacesExisting(t *testing.T) {
	s := seededStore(t, 1000)
	ctx := context.Background()

	first := model.AllocationTarget{AssetType: model.AssetTypeEquity, Percentage: d(40), Tolerance: d(5)}
	second := model.AllocationTarget{AssetType: model.AssetTypeEquity, Percentage: d(60), Tolerance: d(5)}
	if err := s.UpsertTarget(ctx, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpsertTarget(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	targets, err := s.ListTargets(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if !targets[0].Percentage.Equal(d(60)) {
		t.Errorf("expected percentage 60, got %s", targets[0].Percentage)
	}
}
