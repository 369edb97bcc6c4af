package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/allocation"
	"github.com/rebalancer/portfolio-engine/internal/bus"
	"github.com/rebalancer/portfolio-engine/internal/metrics"
	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

// processPending executes every queued authorized operation, re-validating
// each against the current cash balance and position quantity first — both
// may have changed since authorization. Successful operations leave the
// queue; failures stay for retry, bounded by the queue cap.
func (c *Coordinator) processPending(ctx context.Context) {
	c.mu.Lock()
	queued := append([]allocation.Operation(nil), c.pending...)
	c.mu.Unlock()

	var executed []string
	for _, op := range queued {
		op := op
		// Key before execution: a clipped buy changes size, and the queue
		// entry is still keyed on the authorized size.
		key := op.Key()
		ok := false
		switch op.Side {
		case model.SideBuy:
			ok = c.executeQueuedBuy(ctx, &op)
		case model.SideSell:
			ok = c.executeQueuedSell(ctx, op)
		}
		if ok {
			executed = append(executed, key)
		}
	}

	c.mu.Lock()
	if len(executed) > 0 {
		done := make(map[string]bool, len(executed))
		for _, key := range executed {
			done[key] = true
		}
		var remaining []allocation.Operation
		for _, op := range c.pending {
			if done[op.Key()] {
				delete(c.pendingKeys, op.Key())
				continue
			}
			remaining = append(remaining, op)
		}
		c.pending = remaining
	}
	c.trimPendingLocked()
	metrics.PendingOperations.Set(float64(len(c.pending)))
	c.mu.Unlock()
}

// executeQueuedBuy re-checks cash and clips or skips before executing.
func (c *Coordinator) executeQueuedBuy(ctx context.Context, op *allocation.Operation) bool {
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		slog.Error("wallet read failed before execution", "err", err)
		return false
	}
	if op.Value.GreaterThan(wallet.CashBalance) {
		if wallet.CashBalance.LessThanOrEqual(c.cfg.MinOperationValue) {
			slog.Debug("skipping authorized buy, cash too low",
				"asset", op.AssetCode, "cash", wallet.CashBalance.String())
			return false
		}
		slog.Warn("clipping authorized buy to available cash",
			"asset", op.AssetCode,
			"authorized", op.Value.String(),
			"cash", wallet.CashBalance.String())
		op.Value = wallet.CashBalance
	}

	if _, err := c.ExecuteBuy(ctx, op.AssetCode, op.Value); err != nil {
		slog.Warn("buy execution failed", "asset", op.AssetCode, "err", err)
		return false
	}
	return true
}

func (c *Coordinator) executeQueuedSell(ctx context.Context, op allocation.Operation) bool {
	if _, err := c.ExecuteSell(ctx, op.AssetCode, op.Quantity); err != nil {
		slog.Warn("sell execution failed", "asset", op.AssetCode, "err", err)
		return false
	}
	return true
}

// ExecuteBuy atomically buys `value` worth of an asset: transaction row,
// position upsert, cash debit, and total-value refresh commit together or
// not at all. The cash check is repeated here as the last line of defense.
func (c *Coordinator) ExecuteBuy(ctx context.Context, assetCode string, value decimal.Decimal) (*model.Transaction, error) {
	asset, err := c.store.GetAsset(ctx, assetCode)
	if err != nil {
		return nil, err
	}
	if asset.CurrentPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("asset %s has no price", assetCode)
	}
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		return nil, err
	}
	if value.GreaterThan(wallet.CashBalance) {
		return nil, fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientCash, value.String(), wallet.CashBalance.String())
	}

	quantity := value.Div(asset.CurrentPrice)
	txn := &model.Transaction{
		ID:         uuid.New().String(),
		AssetCode:  assetCode,
		Side:       model.SideBuy,
		Quantity:   quantity,
		UnitPrice:  asset.CurrentPrice,
		TotalValue: value,
		Timestamp:  c.now(),
	}

	pos, err := c.store.GetPosition(ctx, assetCode)
	switch {
	case errors.Is(err, store.ErrPositionNotFound):
		pos = &model.Position{
			AssetCode: assetCode,
			Quantity:  quantity,
			AvgCost:   asset.CurrentPrice,
			CostBasis: value,
		}
	case err != nil:
		return nil, err
	default:
		newBasis := pos.CostBasis.Add(value)
		newQty := pos.Quantity.Add(quantity)
		pos.AvgCost = newBasis.Div(newQty)
		pos.Quantity = newQty
		pos.CostBasis = newBasis
	}

	wallet.CashBalance = wallet.CashBalance.Sub(value)
	wallet.TotalValue, err = c.totalAfterTrade(ctx, *pos, wallet.CashBalance)
	if err != nil {
		return nil, err
	}

	if err := c.store.ApplyTrade(ctx, txn, pos, wallet); err != nil {
		metrics.OperationFailures.WithLabelValues(string(model.SideBuy), "store").Inc()
		return nil, fmt.Errorf("commit buy: %w", err)
	}

	slog.Info("buy executed",
		"asset", assetCode,
		"quantity", quantity.Round(4).String(),
		"value", value.Round(2).String())
	c.announceExecution(txn)
	return txn, nil
}

// ExecuteSell atomically sells a quantity of an asset, clamped to the held
// amount. A position reaching zero quantity is deleted in the same commit.
func (c *Coordinator) ExecuteSell(ctx context.Context, assetCode string, quantity decimal.Decimal) (*model.Transaction, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invalid sell quantity %s", quantity.String())
	}
	asset, err := c.store.GetAsset(ctx, assetCode)
	if err != nil {
		return nil, err
	}
	pos, err := c.store.GetPosition(ctx, assetCode)
	if err != nil {
		return nil, err
	}
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, store.ErrPositionNotFound
	}
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		return nil, err
	}

	if quantity.GreaterThan(pos.Quantity) {
		slog.Warn("clamping sell to held quantity",
			"asset", assetCode,
			"requested", quantity.Round(4).String(),
			"held", pos.Quantity.Round(4).String())
		quantity = pos.Quantity
	}

	value := quantity.Mul(asset.CurrentPrice)
	txn := &model.Transaction{
		ID:         uuid.New().String(),
		AssetCode:  assetCode,
		Side:       model.SideSell,
		Quantity:   quantity,
		UnitPrice:  asset.CurrentPrice,
		TotalValue: value,
		Timestamp:  c.now(),
	}

	pos.Quantity = pos.Quantity.Sub(quantity)
	pos.CostBasis = pos.Quantity.Mul(pos.AvgCost)

	wallet.CashBalance = wallet.CashBalance.Add(value)
	wallet.TotalValue, err = c.totalAfterTrade(ctx, *pos, wallet.CashBalance)
	if err != nil {
		return nil, err
	}

	if err := c.store.ApplyTrade(ctx, txn, pos, wallet); err != nil {
		metrics.OperationFailures.WithLabelValues(string(model.SideSell), "store").Inc()
		return nil, fmt.Errorf("commit sell: %w", err)
	}

	slog.Info("sell executed",
		"asset", assetCode,
		"quantity", quantity.Round(4).String(),
		"value", value.Round(2).String())
	c.announceExecution(txn)
	return txn, nil
}

// totalAfterTrade computes the post-trade total value from current positions
// with one position's state replaced, so the refreshed total commits in the
// same store transaction as the trade.
func (c *Coordinator) totalAfterTrade(ctx context.Context, updated model.Position, cash decimal.Decimal) (decimal.Decimal, error) {
	positions, err := c.store.ListPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	total := cash
	seen := false
	for _, p := range positions {
		if p.AssetCode == updated.AssetCode {
			seen = true
			total = total.Add(updated.Quantity.Mul(p.CurrentPrice))
			continue
		}
		total = total.Add(p.MarketValue())
	}
	if !seen && !updated.Quantity.IsZero() {
		asset, err := c.store.GetAsset(ctx, updated.AssetCode)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(updated.Quantity.Mul(asset.CurrentPrice))
	}
	return total, nil
}

// announceExecution publishes the committed trade for downstream consumers.
func (c *Coordinator) announceExecution(txn *model.Transaction) {
	metrics.OperationsExecuted.WithLabelValues(string(txn.Side)).Inc()
	c.bus.Publish(bus.NewMessage(bus.TypeOperationExecuted, Name, "",
		bus.OperationExecuted{
			TransactionID: txn.ID,
			Side:          txn.Side,
			AssetCode:     txn.AssetCode,
			Value:         txn.TotalValue,
		}))
}

// handleBuySignals reacts to analyst buy recommendations: skip assets on
// cooldown, require a significant cash reserve, and bound the buy to
// min(cap, 10% of cash).
func (c *Coordinator) handleBuySignals(ctx context.Context, set bus.SignalSet) {
	for code, signal := range set.Signals {
		if signal.Action != model.SideBuy {
			continue
		}
		if c.cooldownActive(code) {
			metrics.CooldownSkips.WithLabelValues("signal").Inc()
			continue
		}

		wallet, err := c.store.GetWallet(ctx)
		if err != nil {
			slog.Error("wallet read failed on buy signal", "err", err)
			continue
		}
		if wallet.CashBalance.LessThanOrEqual(c.cfg.SignalCashFloor) {
			continue
		}

		value := decimal.Min(c.cfg.SignalBuyCap, wallet.CashBalance.Mul(c.cfg.SignalBuyFraction))
		c.requestAuthorization(ctx, allocation.Operation{
			Side:      model.SideBuy,
			AssetCode: code,
			Value:     value,
			Reason:    signal.Reason,
		})
	}
}

// handleSellSignals reacts to analyst sell recommendations: sell a small
// fraction of the position when the notional is significant. The cooldown is
// stamped whether or not a sell is actually requested.
func (c *Coordinator) handleSellSignals(ctx context.Context, set bus.SignalSet) {
	for code, signal := range set.Signals {
		if signal.Action != model.SideSell {
			continue
		}
		if c.cooldownActive(code) {
			metrics.CooldownSkips.WithLabelValues("signal").Inc()
			continue
		}

		pos, err := c.store.GetPosition(ctx, code)
		if errors.Is(err, store.ErrPositionNotFound) {
			continue
		}
		if err != nil {
			slog.Error("position read failed on sell signal", "err", err)
			continue
		}
		if pos.Quantity.LessThanOrEqual(decimal.Zero) {
			continue
		}

		quantity := decimal.Min(pos.Quantity.Mul(c.cfg.SignalSellFraction), pos.Quantity)
		notional := quantity.Mul(pos.CurrentPrice)
		if notional.LessThan(c.cfg.MinOperationValue) {
			slog.Debug("ignoring sell signal, notional too small",
				"asset", code, "notional", notional.Round(2).String())
			c.stampCooldown(code)
			continue
		}

		c.requestAuthorization(ctx, allocation.Operation{
			Side:      model.SideSell,
			AssetCode: code,
			Quantity:  quantity,
			Reason:    signal.Reason,
		})
	}
}
