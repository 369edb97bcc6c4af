package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rebalancer/portfolio-engine/internal/bus"
)

type countingAgent struct {
	perceives atomic.Int32
	acts      atomic.Int32
	messages  atomic.Int32
}

func (a *countingAgent) Name() string { return "counting-agent" }

func (a *countingAgent) Perceive(context.Context) error {
	a.perceives.Add(1)
	return nil
}

func (a *countingAgent) Act(context.Context) error {
	a.acts.Add(1)
	return nil
}

func (a *countingAgent) HandleMessage(context.Context, bus.Message) {
	a.messages.Add(1)
}

func TestRunner_CyclesUntilCancelled(t *testing.T) {
	b := bus.New(4)
	agent := &countingAgent{}
	r := NewRunner(agent, b, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for agent.acts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("runner did not complete two cycles in time")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancel")
	}

	if agent.perceives.Load() < agent.acts.Load() {
		t.Errorf("every act must be preceded by a perceive: %d perceives, %d acts",
			agent.perceives.Load(), agent.acts.Load())
	}
}

func TestRunner_SubscribesAgentToBus(t *testing.T) {
	b := bus.New(4)
	agent := &countingAgent{}
	NewRunner(agent, b, time.Second)

	b.Dispatch(bus.NewMessage(bus.TypeBuySignal, "peer", "counting-agent", bus.SignalSet{}))

	if agent.messages.Load() != 1 {
		t.Errorf("expected 1 delivered message, got %d", agent.messages.Load())
	}
}
