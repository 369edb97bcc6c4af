// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetType categorizes assets for allocation targets.
type AssetType string

const (
	AssetTypeEquity      AssetType = "equity"
	AssetTypeFixedIncome AssetType = "fixed_income"
	AssetTypeCrypto      AssetType = "crypto"
	AssetTypeFund        AssetType = "fund"
)

// AssetTypes lists every known asset type in a stable order.
var AssetTypes = []AssetType{
	AssetTypeEquity,
	AssetTypeFixedIncome,
	AssetTypeCrypto,
	AssetTypeFund,
}

// Valid reports whether t is one of the known asset types.
func (t AssetType) Valid() bool {
	for _, known := range AssetTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Side is the direction of a trade operation.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Wallet is the singleton cash record. TotalValue is derived — it is always
// recomputed as Σ(position.quantity × asset.current_price) + CashBalance and
// must never be treated as independently authoritative.
type Wallet struct {
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value" db:"total_value"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Asset is reference data for a tradeable instrument. Prices are updated by
// an external feed; the coordinator only reads them.
type Asset struct {
	Code          string          `json:"code" db:"code"`
	Name          string          `json:"name" db:"name"`
	Type          AssetType       `json:"type" db:"type"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	PreviousPrice decimal.Decimal `json:"previous_price" db:"previous_price"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Variation returns the percentage change from the previous price.
func (a Asset) Variation() decimal.Decimal {
	if a.PreviousPrice.IsZero() {
		return decimal.Zero
	}
	return a.CurrentPrice.Sub(a.PreviousPrice).
		Div(a.PreviousPrice).
		Mul(decimal.NewFromInt(100))
}

// Position is one held asset. CostBasis is Quantity × AvgCost — the amount
// paid, distinct from the mark-to-market value. AssetType and CurrentPrice
// are joined in from the asset on read.
type Position struct {
	AssetCode    string          `json:"asset_code" db:"asset_code"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	CostBasis    decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	AssetType    AssetType       `json:"asset_type"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// MarketValue is the position's mark-to-market value at the joined price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// Transaction is an immutable record of an executed trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID         string          `json:"id" db:"id"`
	AssetCode  string          `json:"asset_code" db:"asset_code"`
	Side       Side            `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// AllocationTarget is the configured share of the portfolio for one asset
// type, with a drift tolerance in percentage points. Read-only to the
// coordinator.
type AllocationTarget struct {
	AssetType  AssetType       `json:"asset_type" db:"asset_type"`
	Percentage decimal.Decimal `json:"percentage" db:"percentage"`
	Tolerance  decimal.Decimal `json:"tolerance" db:"tolerance"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert kinds emitted by the agents.
const (
	AlertKindDriftExceeded = "allocation_drift"
	AlertKindLowLiquidity  = "low_liquidity"
)

// Alert is an advisory record written when something needs operator
// attention. Informational only — alerts never gate execution.
type Alert struct {
	ID          string    `json:"id" db:"id"`
	SourceAgent string    `json:"source_agent" db:"source_agent"`
	Kind        string    `json:"kind" db:"kind"`
	Message     string    `json:"message" db:"message"`
	Severity    string    `json:"severity" db:"severity"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}
