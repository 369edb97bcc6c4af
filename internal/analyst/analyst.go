// Package analyst implements the market analyst agent. It watches asset
// price variation and broadcasts buy signals on sharp drops and sell signals
// on sharp rises, throttled per asset so the coordinator is not flooded.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/bus"
	"github.com/rebalancer/portfolio-engine/internal/metrics"
	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

// Name is the analyst's address on the message bus.
const Name = "market-analyst"

// Config carries the analyst's tunables. Zero values take defaults.
type Config struct {
	// BuyThreshold is the negative variation (percent) that triggers a buy
	// signal; SellThreshold the positive variation for a sell signal.
	BuyThreshold  decimal.Decimal
	SellThreshold decimal.Decimal

	// SignalCooldown is the minimum interval between signals per asset.
	SignalCooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.BuyThreshold.IsZero() {
		c.BuyThreshold = decimal.NewFromInt(-3)
	}
	if c.SellThreshold.IsZero() {
		c.SellThreshold = decimal.NewFromInt(3)
	}
	if c.SignalCooldown <= 0 {
		c.SignalCooldown = 60 * time.Second
	}
}

// Analyst is the market analyst agent.
type Analyst struct {
	cfg   Config
	store store.Store
	bus   *bus.Bus

	now func() time.Time

	mu       sync.Mutex
	assets   []model.Asset
	lastSent map[string]time.Time
}

// New creates an analyst over the given store and bus.
func New(st store.Store, b *bus.Bus, cfg Config) *Analyst {
	cfg.applyDefaults()
	return &Analyst{
		cfg:      cfg,
		store:    st,
		bus:      b,
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[string]time.Time),
	}
}

// Name implements agent.Agent.
func (a *Analyst) Name() string { return Name }

// Perceive reads current asset prices.
func (a *Analyst) Perceive(ctx context.Context) error {
	assets, err := a.store.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("observe assets: %w", err)
	}
	a.mu.Lock()
	a.assets = assets
	a.mu.Unlock()
	return nil
}

// Act derives signals from price variation and broadcasts them.
func (a *Analyst) Act(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(Name).Observe(time.Since(start).Seconds())
	}()

	buys, sells := a.deriveSignals()
	if len(buys) > 0 {
		a.bus.Publish(bus.NewMessage(bus.TypeBuySignal, Name, "", bus.SignalSet{Signals: buys}))
	}
	if len(sells) > 0 {
		a.bus.Publish(bus.NewMessage(bus.TypeSellSignal, Name, "", bus.SignalSet{Signals: sells}))
	}
	return nil
}

// HandleMessage implements agent.Agent. The analyst only emits; inbound
// traffic is ignored.
func (a *Analyst) HandleMessage(_ context.Context, _ bus.Message) {}

// deriveSignals maps strong price moves to recommendations: a sharp drop is
// a buy opportunity, a sharp rise a chance to take profit.
func (a *Analyst) deriveSignals() (buys, sells map[string]bus.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buys = make(map[string]bus.Signal)
	sells = make(map[string]bus.Signal)
	now := a.now()

	for _, asset := range a.assets {
		if last, ok := a.lastSent[asset.Code]; ok && now.Sub(last) < a.cfg.SignalCooldown {
			continue
		}

		variation := asset.Variation()
		switch {
		case variation.LessThan(a.cfg.BuyThreshold):
			buys[asset.Code] = bus.Signal{
				Action: model.SideBuy,
				Reason: fmt.Sprintf("price dropped %s%%", variation.Round(2)),
			}
			a.lastSent[asset.Code] = now
			slog.Debug("buy signal", "asset", asset.Code, "variation", variation.Round(2).String())

		case variation.GreaterThan(a.cfg.SellThreshold):
			sells[asset.Code] = bus.Signal{
				Action: model.SideSell,
				Reason: fmt.Sprintf("price rose %s%%", variation.Round(2)),
			}
			a.lastSent[asset.Code] = now
			slog.Debug("sell signal", "asset", asset.Code, "variation", variation.Round(2).String())
		}
	}
	return buys, sells
}
