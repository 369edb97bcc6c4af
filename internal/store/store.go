// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

var (
	// ErrWalletNotFound is returned when the singleton wallet row is missing.
	ErrWalletNotFound = errors.New("store: wallet not found")

	// ErrAssetNotFound is returned when an asset code is unknown.
	ErrAssetNotFound = errors.New("store: asset not found")

	// ErrPositionNotFound is returned when no position exists for an asset.
	ErrPositionNotFound = errors.New("store: position not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Wallet ---

	// GetWallet retrieves the singleton wallet record.
	GetWallet(ctx context.Context) (*model.Wallet, error)

	// SaveWallet persists updated wallet balances.
	SaveWallet(ctx context.Context, w *model.Wallet) error

	// --- Asset reference data ---

	// CreateAsset registers a new tradeable asset.
	CreateAsset(ctx context.Context, a *model.Asset) error

	// GetAsset retrieves an asset by code.
	GetAsset(ctx context.Context, code string) (*model.Asset, error)

	// ListAssets returns all assets ordered by code.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// UpdateAssetPrice records a new price, shifting the old one into
	// PreviousPrice. Called by the market-data ingress, never by the
	// coordinator.
	UpdateAssetPrice(ctx context.Context, code string, price decimal.Decimal) error

	// --- Positions ---

	// GetPosition retrieves the position for one asset, with asset type and
	// current price joined in.
	GetPosition(ctx context.Context, assetCode string) (*model.Position, error)

	// ListPositions returns all positions with asset data joined in,
	// ordered by asset code.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// --- Allocation targets ---

	// UpsertTarget creates or replaces the target for one asset type.
	UpsertTarget(ctx context.Context, t model.AllocationTarget) error

	// ListTargets returns the configured allocation targets.
	ListTargets(ctx context.Context) ([]model.AllocationTarget, error)

	// --- Immutable transaction log ---

	// ListTransactions returns the most recent transactions, newest first.
	ListTransactions(ctx context.Context, limit int) ([]model.Transaction, error)

	// ApplyTrade atomically records a transaction, upserts the position
	// (or deletes it when pos.Quantity is zero), and updates the wallet.
	// Either every write commits or none do.
	ApplyTrade(ctx context.Context, txn *model.Transaction, pos *model.Position, w *model.Wallet) error

	// --- Alerts ---

	// InsertAlert appends an advisory alert record.
	InsertAlert(ctx context.Context, a *model.Alert) error

	// LatestAlertMatching returns the most recent alert from sourceAgent of
	// the given kind whose message contains the substring, or
	// (nil, nil) when no such alert exists. Used for alert deduplication.
	LatestAlertMatching(ctx context.Context, sourceAgent, kind, contains string) (*model.Alert, error)

	// ListAlerts returns the most recent alerts, newest first.
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
}
