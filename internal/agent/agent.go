// Package agent defines the perceive→act contract every agent implements and
// the runner that schedules it. Message handling happens on the bus dispatch
// goroutine, interleaving with the cycle at whatever points the agent's own
// synchronization allows.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/rebalancer/portfolio-engine/internal/bus"
)

// Agent is one autonomous participant: it observes shared state, acts on it,
// and reacts to messages from peers.
type Agent interface {
	// Name identifies the agent on the bus.
	Name() string

	// Perceive reads external state into the agent's working view.
	Perceive(ctx context.Context) error

	// Act evaluates the current view and performs operations.
	Act(ctx context.Context) error

	// HandleMessage reacts to one inbound bus message.
	HandleMessage(ctx context.Context, msg bus.Message)
}

// Runner drives an agent's perceive→act loop on a fixed interval and wires
// its message handler into the bus.
type Runner struct {
	agent    Agent
	bus      *bus.Bus
	interval time.Duration
}

// NewRunner subscribes the agent to the bus and prepares its cycle loop.
func NewRunner(a Agent, b *bus.Bus, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	r := &Runner{agent: a, bus: b, interval: interval}
	b.Subscribe(a.Name(), func(msg bus.Message) {
		a.HandleMessage(context.Background(), msg)
	})
	return r
}

// Run executes perceive→act cycles until the context is done. Errors are
// logged and the loop continues — agents degrade, they do not crash.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.agent.Perceive(ctx); err != nil {
			slog.Error("perceive failed", "agent", r.agent.Name(), "err", err)
		} else if err := r.agent.Act(ctx); err != nil {
			slog.Error("act failed", "agent", r.agent.Name(), "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
