package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	wallet       *model.Wallet
	assets       map[string]*model.Asset
	positions    map[string]*model.Position
	targets      map[model.AssetType]model.AllocationTarget
	transactions []model.Transaction
	alerts       []model.Alert
}

// NewMemoryStore creates a new in-memory store with no wallet. Call
// SeedWallet before running agents against it.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:    make(map[string]*model.Asset),
		positions: make(map[string]*model.Position),
		targets:   make(map[model.AssetType]model.AllocationTarget),
	}
}

// SeedWallet initializes the singleton wallet with a starting cash balance.
func (s *MemoryStore) SeedWallet(cash decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet = &model.Wallet{
		CashBalance: cash,
		TotalValue:  cash,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (s *MemoryStore) GetWallet(_ context.Context) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wallet == nil {
		return nil, ErrWalletNotFound
	}
	w := *s.wallet
	return &w, nil
}

func (s *MemoryStore) SaveWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallet == nil {
		return ErrWalletNotFound
	}
	saved := *w
	saved.UpdatedAt = time.Now().UTC()
	s.wallet = &saved
	return nil
}

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[a.Code]; exists {
		return fmt.Errorf("asset %s already exists", a.Code)
	}
	copy := *a
	s.assets[a.Code] = &copy
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, code string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[code]
	if !ok {
		return nil, ErrAssetNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Code < assets[j].Code })
	return assets, nil
}

func (s *MemoryStore) UpdateAssetPrice(_ context.Context, code string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[code]
	if !ok {
		return ErrAssetNotFound
	}
	a.PreviousPrice = a.CurrentPrice
	a.CurrentPrice = price
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, assetCode string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[assetCode]
	if !ok {
		return nil, ErrPositionNotFound
	}
	joined := s.joinAsset(*p)
	return &joined, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, s.joinAsset(*p))
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].AssetCode < positions[j].AssetCode
	})
	return positions, nil
}

// joinAsset fills in the asset-derived fields. Caller must hold the lock.
func (s *MemoryStore) joinAsset(p model.Position) model.Position {
	if a, ok := s.assets[p.AssetCode]; ok {
		p.AssetType = a.Type
		p.CurrentPrice = a.CurrentPrice
	}
	return p
}

func (s *MemoryStore) UpsertTarget(_ context.Context, t model.AllocationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.targets[t.AssetType] = t
	return nil
}

func (s *MemoryStore) ListTargets(_ context.Context) ([]model.AllocationTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]model.AllocationTarget, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].AssetType < targets[j].AssetType
	})
	return targets, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.transactions[i])
	}
	return result, nil
}

// ApplyTrade commits the transaction, position, and wallet writes under a
// single lock; in-memory there is nothing to roll back.
func (s *MemoryStore) ApplyTrade(_ context.Context, txn *model.Transaction, pos *model.Position, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallet == nil {
		return ErrWalletNotFound
	}
	if _, ok := s.assets[txn.AssetCode]; !ok {
		return ErrAssetNotFound
	}

	s.transactions = append(s.transactions, *txn)

	if pos.Quantity.IsZero() {
		delete(s.positions, pos.AssetCode)
	} else {
		stored := model.Position{
			AssetCode: pos.AssetCode,
			Quantity:  pos.Quantity,
			AvgCost:   pos.AvgCost,
			CostBasis: pos.CostBasis,
			UpdatedAt: time.Now().UTC(),
		}
		s.positions[pos.AssetCode] = &stored
	}

	saved := *w
	saved.UpdatedAt = time.Now().UTC()
	s.wallet = &saved
	return nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *MemoryStore) LatestAlertMatching(_ context.Context, sourceAgent, kind, contains string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.SourceAgent == sourceAgent && a.Kind == kind && strings.Contains(a.Message, contains) {
			copy := a
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, limit int) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Alert
	for i := len(s.alerts) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.alerts[i])
	}
	return result, nil
}
