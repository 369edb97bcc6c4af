// Package authority implements the wallet authority agent: the peer that
// signs off on every trade the coordinator proposes. Buys are approved only
// against the live cash balance; sells release cash and are always approved.
// The authority also watches liquidity and broadcasts a warning when cash
// falls below its configured minimum.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/bus"
	"github.com/rebalancer/portfolio-engine/internal/metrics"
	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

// Name is the authority's address on the message bus.
const Name = "wallet-authority"

// Config carries the authority's tunables. Zero values take defaults.
type Config struct {
	// MinLiquidity is the cash level below which liquidity alerts fire.
	MinLiquidity decimal.Decimal

	// AlertWindow bounds liquidity alerts to one per window.
	AlertWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinLiquidity.LessThanOrEqual(decimal.Zero) {
		c.MinLiquidity = decimal.NewFromInt(1000)
	}
	if c.AlertWindow <= 0 {
		c.AlertWindow = 60 * time.Second
	}
}

// Authority is the wallet authority agent.
type Authority struct {
	cfg   Config
	store store.Store
	bus   *bus.Bus

	// now is injected for deterministic tests.
	now func() time.Time

	mu   sync.Mutex
	cash decimal.Decimal
}

// New creates an authority over the given store and bus.
func New(st store.Store, b *bus.Bus, cfg Config) *Authority {
	cfg.applyDefaults()
	return &Authority{
		cfg:   cfg,
		store: st,
		bus:   b,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Name implements agent.Agent.
func (a *Authority) Name() string { return Name }

// Perceive observes the current cash balance.
func (a *Authority) Perceive(ctx context.Context) error {
	wallet, err := a.store.GetWallet(ctx)
	if err != nil {
		return fmt.Errorf("observe wallet: %w", err)
	}
	a.mu.Lock()
	a.cash = wallet.CashBalance
	a.mu.Unlock()
	return nil
}

// Act checks liquidity against the configured minimum.
func (a *Authority) Act(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(Name).Observe(time.Since(start).Seconds())
	}()

	a.mu.Lock()
	cash := a.cash
	a.mu.Unlock()

	if cash.GreaterThanOrEqual(a.cfg.MinLiquidity) {
		return nil
	}
	return a.emitLiquidityAlert(ctx, cash)
}

// HandleMessage processes authorization requests from the coordinator.
func (a *Authority) HandleMessage(ctx context.Context, msg bus.Message) {
	if msg.Type != bus.TypeAuthorizationRequest {
		return
	}
	req, ok := msg.Payload.(bus.AuthorizationRequest)
	if !ok {
		return
	}
	a.decide(ctx, msg.Sender, req)
}

// decide replies to one authorization request. The verdict is made against
// the cash balance read from the store at decision time, not the cached
// perception — the coordinator may have traded since the last cycle.
func (a *Authority) decide(ctx context.Context, requester string, req bus.AuthorizationRequest) {
	replyType := bus.TypeBuyAuthorization
	if req.Side == model.SideSell {
		replyType = bus.TypeSellAuthorization
	}
	reply := bus.AuthorizationReply{
		RequestID: req.RequestID,
		Side:      req.Side,
		AssetCode: req.AssetCode,
		Value:     req.Value,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
	}

	switch req.Side {
	case model.SideBuy:
		wallet, err := a.store.GetWallet(ctx)
		if err != nil {
			slog.Error("wallet read failed, denying buy", "err", err)
			reply.Authorized = false
			reply.Reason = "wallet unavailable"
			break
		}
		if req.Value.GreaterThan(wallet.CashBalance) {
			slog.Warn("buy denied, insufficient cash",
				"asset", req.AssetCode,
				"requested", req.Value.Round(2).String(),
				"cash", wallet.CashBalance.Round(2).String())
			reply.Authorized = false
			reply.Reason = "insufficient cash"
			break
		}
		slog.Info("buy authorized",
			"asset", req.AssetCode, "value", req.Value.Round(2).String())
		reply.Authorized = true

	case model.SideSell:
		// Sells release cash; nothing to reserve.
		slog.Info("sell authorized",
			"asset", req.AssetCode, "quantity", req.Quantity.Round(4).String())
		reply.Authorized = true
	}

	a.bus.Publish(bus.NewMessage(replyType, Name, requester, reply))
}

// emitLiquidityAlert records and broadcasts a low-liquidity warning, at most
// once per alert window.
func (a *Authority) emitLiquidityAlert(ctx context.Context, cash decimal.Decimal) error {
	existing, err := a.store.LatestAlertMatching(ctx, Name, model.AlertKindLowLiquidity, "")
	if err != nil {
		return err
	}
	if existing != nil && a.now().Sub(existing.Timestamp) < a.cfg.AlertWindow {
		return nil
	}

	message := fmt.Sprintf("cash balance %s below minimum %s",
		cash.Round(2), a.cfg.MinLiquidity.Round(2))
	slog.Warn("low liquidity", "cash", cash.Round(2).String())

	alert := &model.Alert{
		ID:          uuid.New().String(),
		SourceAgent: Name,
		Kind:        model.AlertKindLowLiquidity,
		Message:     message,
		Severity:    model.SeverityWarning,
		Timestamp:   a.now(),
	}
	if err := a.store.InsertAlert(ctx, alert); err != nil {
		return err
	}
	metrics.AlertsEmitted.WithLabelValues(model.AlertKindLowLiquidity).Inc()

	a.bus.Publish(bus.NewMessage(bus.TypeLiquidityAlert, Name, "",
		bus.LiquidityAlert{
			Message:     message,
			CashBalance: cash,
			Minimum:     a.cfg.MinLiquidity,
		}))
	return nil
}
