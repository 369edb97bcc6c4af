// Package coordinator implements the portfolio coordination agent: it
// perceives ledger and market state every cycle, detects allocation drift,
// requests authorization for corrective trades from the wallet authority,
// and executes approved trades transactionally against the ledger.
//
// Concurrency model: the perceive→act cycle runs on the agent runner's
// goroutine while HandleMessage runs on the bus dispatch goroutine. The
// coordinator's own decision state is guarded by a mutex, and every
// execution path re-validates cash and quantity against the store
// immediately before mutating it — reads taken at decision time are treated
// as stale by the time a write occurs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/allocation"
	"github.com/rebalancer/portfolio-engine/internal/bus"
	"github.com/rebalancer/portfolio-engine/internal/metrics"
	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

// Name is the coordinator's address on the message bus.
const Name = "portfolio-coordinator"

// ErrInsufficientCash is returned when a buy would overdraw the wallet.
// Authorization re-validation normally prevents reaching execution with it.
var ErrInsufficientCash = errors.New("coordinator: insufficient cash")

var hundred = decimal.NewFromInt(100)

// Config carries the coordinator's tunables. Zero values take defaults.
type Config struct {
	// AuthorityName is the bus address of the wallet authority.
	AuthorityName string

	// Cooldown is the minimum window between operation attempts, applied
	// globally to rebalancing and per-asset to signal reactions.
	Cooldown time.Duration

	// AlertWindow bounds drift alerts to one per asset type per window.
	AlertWindow time.Duration

	// MinOperationValue is the smallest notional worth trading.
	MinOperationValue decimal.Decimal

	// SignalBuyCap and SignalBuyFraction bound signal-driven buys to
	// min(cap, cash × fraction). SignalCashFloor is the cash level below
	// which buy signals are ignored outright.
	SignalBuyCap      decimal.Decimal
	SignalBuyFraction decimal.Decimal
	SignalCashFloor   decimal.Decimal

	// SignalSellFraction is the share of a position sold on a sell signal.
	SignalSellFraction decimal.Decimal

	// CashHeavyPct is the cash share above which the portfolio counts as
	// undeployed, unlocking the faster multi-operation rebalance path.
	CashHeavyPct decimal.Decimal

	// MaxOpsPerCycle and BootstrapMaxOps bound how many corrective
	// operations are submitted per cycle in the normal and the
	// empty/cash-heavy case respectively.
	MaxOpsPerCycle  int
	BootstrapMaxOps int

	// MaxPendingOps caps the authorized-but-unexecuted queue.
	MaxPendingOps int
}

func (c *Config) applyDefaults() {
	if c.AuthorityName == "" {
		c.AuthorityName = "wallet-authority"
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.AlertWindow <= 0 {
		c.AlertWindow = 60 * time.Second
	}
	if c.MinOperationValue.LessThanOrEqual(decimal.Zero) {
		c.MinOperationValue = allocation.DefaultMinOperationValue
	}
	if c.SignalBuyCap.LessThanOrEqual(decimal.Zero) {
		c.SignalBuyCap = decimal.NewFromInt(1000)
	}
	if c.SignalBuyFraction.LessThanOrEqual(decimal.Zero) {
		c.SignalBuyFraction = decimal.NewFromFloat(0.1)
	}
	if c.SignalCashFloor.LessThanOrEqual(decimal.Zero) {
		c.SignalCashFloor = decimal.NewFromInt(1000)
	}
	if c.SignalSellFraction.LessThanOrEqual(decimal.Zero) {
		c.SignalSellFraction = decimal.NewFromFloat(0.05)
	}
	if c.CashHeavyPct.LessThanOrEqual(decimal.Zero) {
		c.CashHeavyPct = decimal.NewFromInt(80)
	}
	if c.MaxOpsPerCycle <= 0 {
		c.MaxOpsPerCycle = 1
	}
	if c.BootstrapMaxOps <= 0 {
		c.BootstrapMaxOps = 3
	}
	if c.MaxPendingOps <= 0 {
		c.MaxPendingOps = 10
	}
}

// Coordinator is the portfolio coordination agent.
type Coordinator struct {
	cfg     Config
	store   store.Store
	bus     *bus.Bus
	planner *allocation.Planner

	// now is injected for deterministic cooldown tests.
	now func() time.Time

	mu            sync.Mutex
	targets       []model.AllocationTarget
	pending       []allocation.Operation
	pendingKeys   map[string]bool
	inflight      map[string]allocation.Operation
	lastOpByAsset map[string]time.Time
}

// New creates a coordinator over the given store and bus.
func New(st store.Store, b *bus.Bus, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:           cfg,
		store:         st,
		bus:           b,
		planner:       allocation.NewPlanner(cfg.MinOperationValue),
		now:           func() time.Time { return time.Now().UTC() },
		pendingKeys:   make(map[string]bool),
		inflight:      make(map[string]allocation.Operation),
		lastOpByAsset: make(map[string]time.Time),
	}
}

// Name implements agent.Agent.
func (c *Coordinator) Name() string { return Name }

// Bootstrap refreshes the portfolio valuation and, when the wallet holds
// cash but no positions, immediately attempts to deploy capital instead of
// waiting for the first drift cycle.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	wallet, positions, err := c.RefreshTotalValue(ctx)
	if err != nil {
		return err
	}
	if _, err := c.loadTargets(ctx); err != nil {
		return err
	}

	if len(positions) == 0 && wallet.CashBalance.IsPositive() {
		slog.Info("empty portfolio with cash, deploying capital",
			"cash", wallet.CashBalance.String())
		return c.evaluateDiversification(ctx)
	}
	return nil
}

// Perceive reads the target configuration into the working view.
func (c *Coordinator) Perceive(ctx context.Context) error {
	_, err := c.loadTargets(ctx)
	return err
}

func (c *Coordinator) loadTargets(ctx context.Context) ([]model.AllocationTarget, error) {
	targets, err := c.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	c.mu.Lock()
	c.targets = targets
	c.mu.Unlock()
	return targets, nil
}

// Act runs one cycle: refresh valuation, evaluate drift, execute previously
// authorized operations, and broadcast the resulting distribution.
func (c *Coordinator) Act(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(Name).Observe(time.Since(start).Seconds())
	}()

	if _, _, err := c.RefreshTotalValue(ctx); err != nil {
		return err
	}
	if err := c.evaluateDiversification(ctx); err != nil {
		slog.Error("drift evaluation failed", "err", err)
	}
	c.processPending(ctx)
	c.publishDistribution(ctx)
	return nil
}

// HandleMessage implements agent.Agent. Authorization replies, market
// signals, and liquidity alerts arrive here asynchronously.
func (c *Coordinator) HandleMessage(ctx context.Context, msg bus.Message) {
	switch msg.Type {
	case bus.TypeBuyAuthorization, bus.TypeSellAuthorization:
		if reply, ok := msg.Payload.(bus.AuthorizationReply); ok {
			c.handleAuthorizationReply(reply)
		}
	case bus.TypeBuySignal:
		if set, ok := msg.Payload.(bus.SignalSet); ok {
			c.handleBuySignals(ctx, set)
		}
	case bus.TypeSellSignal:
		if set, ok := msg.Payload.(bus.SignalSet); ok {
			c.handleSellSignals(ctx, set)
		}
	case bus.TypeLiquidityAlert:
		if alert, ok := msg.Payload.(bus.LiquidityAlert); ok {
			slog.Warn("liquidity alert received",
				"message", alert.Message, "cash", alert.CashBalance.String())
		}
	}
}

// RefreshTotalValue recomputes the wallet's total value as the mark-to-market
// value of every position plus cash, and persists it. Asset prices move
// independently of trades, so this must run before every drift evaluation.
func (c *Coordinator) RefreshTotalValue(ctx context.Context) (*model.Wallet, []model.Position, error) {
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh: %w", err)
	}
	positions, err := c.store.ListPositions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh: %w", err)
	}

	total := wallet.CashBalance
	for _, p := range positions {
		total = total.Add(p.MarketValue())
	}

	// Prices falling far enough that positions are worth less than nothing
	// cannot happen; total below cash means sustained losses, not an error.
	if total.LessThan(wallet.CashBalance) {
		slog.Warn("total value below cash balance",
			"total", total.String(), "cash", wallet.CashBalance.String())
	}

	wallet.TotalValue = total
	if err := c.store.SaveWallet(ctx, wallet); err != nil {
		return nil, nil, fmt.Errorf("refresh: %w", err)
	}

	tv, _ := total.Float64()
	cb, _ := wallet.CashBalance.Float64()
	metrics.TotalValue.Set(tv)
	metrics.CashBalance.Set(cb)

	return wallet, positions, nil
}

// EvaluateDistribution returns each asset type's current share of the total
// portfolio value. Empty when the portfolio is worth nothing.
func (c *Coordinator) EvaluateDistribution(ctx context.Context) (map[model.AssetType]allocation.Slice, error) {
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := c.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	return allocation.Distribution(positions, wallet.TotalValue), nil
}

// evaluateDiversification detects out-of-tolerance asset types, records
// deduplicated drift alerts, and submits a bounded number of corrective
// operations for authorization.
func (c *Coordinator) evaluateDiversification(ctx context.Context) error {
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		return err
	}
	positions, err := c.store.ListPositions(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	targets := c.targets
	c.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	// Bootstrap fast path: cash but no positions means nothing is invested
	// yet — deploy immediately, bypassing the rebalance cooldown.
	if len(positions) == 0 && wallet.CashBalance.IsPositive() {
		ops := c.planOperations(ctx, targets, wallet, positions)
		c.submitOperations(ctx, ops, c.cfg.BootstrapMaxOps)
		return nil
	}

	dist := allocation.Distribution(positions, wallet.TotalValue)

	outOfBalance := false
	for _, target := range targets {
		drift := allocation.Drift(dist, target)
		if drift.Abs().LessThanOrEqual(target.Tolerance) {
			continue
		}
		outOfBalance = true
		slog.Info("allocation drift detected",
			"asset_type", target.AssetType,
			"actual", dist[target.AssetType].Percentage.Round(2).String(),
			"target", target.Percentage.Round(2).String(),
			"drift", drift.Round(2).String())
		c.emitDriftAlert(ctx, target, dist[target.AssetType].Percentage)
	}
	if !outOfBalance {
		return nil
	}

	if !c.canRebalance() {
		slog.Debug("rebalance deferred, cooldown active")
		metrics.CooldownSkips.WithLabelValues("global").Inc()
		return nil
	}

	ops := c.planOperations(ctx, targets, wallet, positions)
	if len(ops) == 0 {
		return nil
	}

	// A portfolio that is empty or still mostly cash deploys faster.
	maxOps := c.cfg.MaxOpsPerCycle
	cashPct := hundred
	if wallet.TotalValue.IsPositive() {
		cashPct = wallet.CashBalance.Div(wallet.TotalValue).Mul(hundred)
	}
	if len(positions) == 0 || cashPct.GreaterThan(c.cfg.CashHeavyPct) {
		maxOps = c.cfg.BootstrapMaxOps
	}

	slog.Info("rebalancing", "planned", len(ops), "submitting", min(maxOps, len(ops)))
	c.submitOperations(ctx, ops, maxOps)
	return nil
}

// planOperations derives candidate operations against the appropriate
// valuation base: cash alone for an empty portfolio, total value otherwise.
// A stored total that is zero or below cash is recomputed from positions.
func (c *Coordinator) planOperations(
	ctx context.Context,
	targets []model.AllocationTarget,
	wallet *model.Wallet,
	positions []model.Position,
) []allocation.Operation {
	base := wallet.CashBalance
	if len(positions) > 0 {
		base = wallet.TotalValue
		if base.IsZero() || base.LessThan(wallet.CashBalance) {
			base = wallet.CashBalance
			for _, p := range positions {
				base = base.Add(p.MarketValue())
			}
		}
	}

	assets, err := c.store.ListAssets(ctx)
	if err != nil {
		slog.Error("list assets failed", "err", err)
		return nil
	}

	dist := allocation.Distribution(positions, base)
	return c.planner.Plan(targets, dist, assets, positions, wallet.CashBalance, base)
}

func (c *Coordinator) submitOperations(ctx context.Context, ops []allocation.Operation, maxOps int) {
	for i, op := range ops {
		if i >= maxOps {
			break
		}
		c.requestAuthorization(ctx, op)
	}
}

// canRebalance reports whether the global cooldown allows new rebalancing
// proposals: no asset may have had an operation attempted within the window.
func (c *Coordinator) canRebalance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, last := range c.lastOpByAsset {
		if now.Sub(last) < c.cfg.Cooldown {
			return false
		}
	}
	return true
}

// cooldownActive reports whether the per-asset gate blocks signal-driven
// operations on one asset.
func (c *Coordinator) cooldownActive(assetCode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastOpByAsset[assetCode]
	return ok && c.now().Sub(last) < c.cfg.Cooldown
}

// stampCooldown records an operation attempt for an asset. Stamped at
// request time, not execution time, to prevent request storms.
func (c *Coordinator) stampCooldown(assetCode string) {
	c.mu.Lock()
	c.lastOpByAsset[assetCode] = c.now()
	c.mu.Unlock()
}

// emitDriftAlert writes one drift alert per asset type per alert window.
func (c *Coordinator) emitDriftAlert(ctx context.Context, target model.AllocationTarget, actual decimal.Decimal) {
	existing, err := c.store.LatestAlertMatching(ctx, Name, model.AlertKindDriftExceeded, string(target.AssetType))
	if err != nil {
		slog.Error("alert lookup failed", "err", err)
		return
	}
	if existing != nil && c.now().Sub(existing.Timestamp) < c.cfg.AlertWindow {
		return
	}

	alert := &model.Alert{
		ID:          uuid.New().String(),
		SourceAgent: Name,
		Kind:        model.AlertKindDriftExceeded,
		Message: fmt.Sprintf("allocation out of balance for %s: actual %s%%, target %s%%",
			target.AssetType, actual.Round(2), target.Percentage.Round(2)),
		Severity:  model.SeverityWarning,
		Timestamp: c.now(),
	}
	if err := c.store.InsertAlert(ctx, alert); err != nil {
		slog.Error("alert insert failed", "err", err)
		return
	}
	metrics.AlertsEmitted.WithLabelValues(model.AlertKindDriftExceeded).Inc()
}

// requestAuthorization re-validates a proposed operation against the live
// cash balance, then sends it to the wallet authority. Buys that exceed cash
// are clipped to the balance when it is still significant, dropped otherwise.
func (c *Coordinator) requestAuthorization(ctx context.Context, op allocation.Operation) {
	c.stampCooldown(op.AssetCode)

	if op.Side == model.SideBuy {
		wallet, err := c.store.GetWallet(ctx)
		if err != nil {
			slog.Error("wallet read failed before authorization", "err", err)
			return
		}
		if op.Value.GreaterThan(wallet.CashBalance) {
			if wallet.CashBalance.LessThanOrEqual(c.cfg.MinOperationValue) {
				slog.Debug("dropping buy request, cash too low",
					"asset", op.AssetCode,
					"requested", op.Value.String(),
					"cash", wallet.CashBalance.String())
				return
			}
			slog.Warn("clipping buy request to available cash",
				"asset", op.AssetCode,
				"requested", op.Value.String(),
				"cash", wallet.CashBalance.String())
			op.Value = wallet.CashBalance
		}
	}

	requestID := uuid.New().String()
	c.mu.Lock()
	c.inflight[requestID] = op
	c.mu.Unlock()

	metrics.AuthorizationRequests.WithLabelValues(string(op.Side)).Inc()

	c.bus.Publish(bus.NewMessage(bus.TypeAuthorizationRequest, Name, c.cfg.AuthorityName,
		bus.AuthorizationRequest{
			RequestID: requestID,
			Side:      op.Side,
			AssetCode: op.AssetCode,
			Value:     op.Value,
			Quantity:  op.Quantity,
			Reason:    op.Reason,
		}))
}

// handleAuthorizationReply queues a granted operation for execution on the
// next cycle. The request id correlates the reply to the in-flight request;
// the operation key dedupes identical requests answered twice.
func (c *Coordinator) handleAuthorizationReply(reply bus.AuthorizationReply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, tracked := c.inflight[reply.RequestID]
	if tracked {
		delete(c.inflight, reply.RequestID)
	} else {
		// Reply without a known id: reconstruct from the echoed fields.
		op = allocation.Operation{
			Side:      reply.Side,
			AssetCode: reply.AssetCode,
			Value:     reply.Value,
			Quantity:  reply.Quantity,
			Reason:    reply.Reason,
		}
	}

	if !reply.Authorized {
		slog.Warn("authorization denied",
			"side", op.Side, "asset", op.AssetCode, "reason", reply.Reason)
		metrics.AuthorizationsDenied.Inc()
		return
	}

	key := op.Key()
	if c.pendingKeys[key] {
		return
	}
	c.pendingKeys[key] = true
	c.pending = append(c.pending, op)
	c.trimPendingLocked()

	slog.Info("authorization granted", "side", op.Side, "asset", op.AssetCode)
	metrics.PendingOperations.Set(float64(len(c.pending)))
}

// trimPendingLocked bounds the queue to the most recent entries.
// Caller must hold c.mu.
func (c *Coordinator) trimPendingLocked() {
	if len(c.pending) <= c.cfg.MaxPendingOps {
		return
	}
	dropped := c.pending[:len(c.pending)-c.cfg.MaxPendingOps]
	for _, op := range dropped {
		delete(c.pendingKeys, op.Key())
	}
	c.pending = append([]allocation.Operation(nil), c.pending[len(c.pending)-c.cfg.MaxPendingOps:]...)
}

// publishDistribution broadcasts the per-type portfolio breakdown.
func (c *Coordinator) publishDistribution(ctx context.Context) {
	wallet, err := c.store.GetWallet(ctx)
	if err != nil {
		return
	}
	positions, err := c.store.ListPositions(ctx)
	if err != nil {
		return
	}
	c.bus.Publish(bus.NewMessage(bus.TypePortfolioDistribution, Name, "",
		bus.DistributionReport{
			Distribution: allocation.Distribution(positions, wallet.TotalValue),
			TotalValue:   wallet.TotalValue,
		}))
}
