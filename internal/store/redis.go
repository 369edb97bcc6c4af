package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the reads the coordinator issues every cycle: wallet, positions,
// and assets. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const (
	walletKey    = "portfolio:wallet"
	positionsKey = "portfolio:positions"
	assetsKey    = "portfolio:assets"
)

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, walletKey, w)
	return w, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey, positions)
	return positions, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetsKey).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, assetsKey, assets)
	return assets, nil
}

// --- Writes (write to primary, invalidate cache) ---

func (s *CachedStore) SaveWallet(ctx context.Context, w *model.Wallet) error {
	if err := s.primary.SaveWallet(ctx, w); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey)
	return nil
}

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.CreateAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey)
	return nil
}

func (s *CachedStore) UpdateAssetPrice(ctx context.Context, code string, price decimal.Decimal) error {
	if err := s.primary.UpdateAssetPrice(ctx, code, price); err != nil {
		return err
	}
	// Joined position reads carry the price, so both caches go stale.
	s.rdb.Del(ctx, assetsKey, positionsKey)
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, txn *model.Transaction, pos *model.Position, w *model.Wallet) error {
	if err := s.primary.ApplyTrade(ctx, txn, pos, w); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey, positionsKey)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAsset(ctx context.Context, code string) (*model.Asset, error) {
	return s.primary.GetAsset(ctx, code)
}

func (s *CachedStore) GetPosition(ctx context.Context, assetCode string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, assetCode)
}

func (s *CachedStore) UpsertTarget(ctx context.Context, t model.AllocationTarget) error {
	return s.primary.UpsertTarget(ctx, t)
}

func (s *CachedStore) ListTargets(ctx context.Context) ([]model.AllocationTarget, error) {
	return s.primary.ListTargets(ctx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, limit)
}

func (s *CachedStore) InsertAlert(ctx context.Context, a *model.Alert) error {
	return s.primary.InsertAlert(ctx, a)
}

func (s *CachedStore) LatestAlertMatching(ctx context.Context, sourceAgent, kind, contains string) (*model.Alert, error) {
	return s.primary.LatestAlertMatching(ctx, sourceAgent, kind, contains)
}

func (s *CachedStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	return s.primary.ListAlerts(ctx, limit)
}

// cache stores a JSON-encoded value, ignoring marshal/redis errors — the
// cache is best-effort and the primary store remains authoritative.
func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
