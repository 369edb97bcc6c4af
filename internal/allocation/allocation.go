// Package allocation implements the drift-evaluation and rebalancing
// decision math for the portfolio coordinator.
//
// Drift is the difference between an asset type's actual share of the
// portfolio and its configured target. When drift exceeds the target's
// tolerance, the planner proposes exactly one corrective operation per
// out-of-balance type: a buy clipped to available cash for underweight
// types, a sell clamped to the held quantity for overweight types.
// Proposals below a minimum significant notional are dropped.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The planner is stateless — portfolio state is passed as arguments.
package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

// DefaultMinOperationValue is the smallest notional worth trading. Proposals
// below it only churn the ledger.
var DefaultMinOperationValue = decimal.NewFromInt(100)

var hundred = decimal.NewFromInt(100)

// Slice is one asset type's share of the portfolio.
type Slice struct {
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Operation is one proposed corrective trade. Side tags the variant: buys
// carry a notional Value, sells carry a unit Quantity.
type Operation struct {
	Side      model.Side
	AssetCode string
	Value     decimal.Decimal
	Quantity  decimal.Decimal
	Reason    string
}

// Key identifies an operation for deduplication. Two requests for the same
// side, asset, and size collapse onto one key.
func (o Operation) Key() string {
	size := o.Value
	if o.Side == model.SideSell {
		size = o.Quantity
	}
	return fmt.Sprintf("%s_%s_%s", o.Side, o.AssetCode, size.String())
}

// Notional returns the operation's cash value at the given price.
func (o Operation) Notional(price decimal.Decimal) decimal.Decimal {
	if o.Side == model.SideBuy {
		return o.Value
	}
	return o.Quantity.Mul(price)
}

// Planner derives corrective operations from allocation drift.
type Planner struct {
	minValue decimal.Decimal
}

// NewPlanner creates a planner. A non-positive minValue falls back to
// DefaultMinOperationValue.
func NewPlanner(minValue decimal.Decimal) *Planner {
	if minValue.LessThanOrEqual(decimal.Zero) {
		minValue = DefaultMinOperationValue
	}
	return &Planner{minValue: minValue}
}

// MinValue returns the minimum significant operation notional.
func (p *Planner) MinValue() decimal.Decimal {
	return p.minValue
}

// Distribution computes each asset type's mark-to-market value and share of
// the total. Returns an empty map when totalValue is zero — never divides
// by zero.
func Distribution(positions []model.Position, totalValue decimal.Decimal) map[model.AssetType]Slice {
	dist := make(map[model.AssetType]Slice)
	if totalValue.IsZero() {
		return dist
	}

	for _, typ := range model.AssetTypes {
		value := decimal.Zero
		for _, pos := range positions {
			if pos.AssetType == typ {
				value = value.Add(pos.MarketValue())
			}
		}
		dist[typ] = Slice{
			Value:      value,
			Percentage: value.Div(totalValue).Mul(hundred),
		}
	}
	return dist
}

// Drift returns actual−target percentage for one type given a distribution.
func Drift(dist map[model.AssetType]Slice, target model.AllocationTarget) decimal.Decimal {
	return dist[target.AssetType].Percentage.Sub(target.Percentage)
}

// Plan proposes at most one corrective operation per out-of-tolerance target.
//
// base is the valuation the drift percentages are taken against: the total
// portfolio value when positions exist, cash alone for an empty portfolio.
// Buys are clipped to cash and dropped below the minimum notional; sells are
// clamped to the held quantity and dropped below the minimum notional.
func (p *Planner) Plan(
	targets []model.AllocationTarget,
	dist map[model.AssetType]Slice,
	assets []model.Asset,
	positions []model.Position,
	cash, base decimal.Decimal,
) []Operation {
	var ops []Operation

	for _, target := range targets {
		drift := Drift(dist, target)
		if drift.Abs().LessThanOrEqual(target.Tolerance) {
			continue
		}

		desired := drift.Abs().Div(hundred).Mul(base)
		reason := fmt.Sprintf("allocation drift: %s at %s%%, target %s%%",
			target.AssetType,
			dist[target.AssetType].Percentage.Round(2),
			target.Percentage.Round(2))

		if drift.IsNegative() {
			// Underweight: buy the first available asset of this type,
			// never spending more than current cash.
			asset, ok := firstAssetOfType(assets, target.AssetType)
			if !ok {
				continue
			}
			value := decimal.Min(desired, cash)
			if value.LessThan(p.minValue) {
				continue
			}
			ops = append(ops, Operation{
				Side:      model.SideBuy,
				AssetCode: asset.Code,
				Value:     value,
				Reason:    reason,
			})
		} else {
			// Overweight: sell from the first held position of this type,
			// never more units than are held.
			pos, ok := firstPositionOfType(positions, target.AssetType)
			if !ok || pos.Quantity.LessThanOrEqual(decimal.Zero) || pos.CurrentPrice.IsZero() {
				continue
			}
			quantity := decimal.Min(pos.Quantity, desired.Div(pos.CurrentPrice))
			if quantity.Mul(pos.CurrentPrice).LessThan(p.minValue) {
				continue
			}
			ops = append(ops, Operation{
				Side:      model.SideSell,
				AssetCode: pos.AssetCode,
				Quantity:  quantity,
				Reason:    reason,
			})
		}
	}
	return ops
}

func firstAssetOfType(assets []model.Asset, typ model.AssetType) (model.Asset, bool) {
	for _, a := range assets {
		if a.Type == typ {
			return a, true
		}
	}
	return model.Asset{}, false
}

func firstPositionOfType(positions []model.Position, typ model.AssetType) (model.Position, bool) {
	for _, p := range positions {
		if p.AssetType == typ {
			return p, true
		}
	}
	return model.Position{}, false
}
