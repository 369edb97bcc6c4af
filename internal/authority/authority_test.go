package authority

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/bus"
	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func setup(t *testing.T, cash float64) (*Authority, *store.MemoryStore, *bus.Bus, *[]bus.Message) {
	t.Helper()

	st := store.NewMemoryStore()
	st.SeedWallet(d(cash))
	b := bus.New(16)

	var received []bus.Message
	b.Subscribe("portfolio-coordinator", func(msg bus.Message) {
		received = append(received, msg)
	})

	return New(st, b, Config{}), st, b, &received
}

func request(side model.Side, value, quantity float64) bus.Message {
	return bus.NewMessage(bus.TypeAuthorizationRequest, "portfolio-coordinator", Name,
		bus.AuthorizationRequest{
			RequestID: "req-1",
			Side:      side,
			AssetCode: "PETR4",
			Value:     d(value),
			Quantity:  d(quantity),
		})
}

func lastReply(t *testing.T, received []bus.Message) bus.AuthorizationReply {
	t.Helper()
	if len(received) == 0 {
		t.Fatal("expected a reply on the bus")
	}
	reply, ok := received[len(received)-1].Payload.(bus.AuthorizationReply)
	if !ok {
		t.Fatalf("expected AuthorizationReply payload, got %T", received[len(received)-1].Payload)
	}
	return reply
}

func TestDecide_BuyWithinCashApproved(t *testing.T) {
	auth, _, b, received := setup(t, 5000)

	auth.HandleMessage(context.Background(), request(model.SideBuy, 1000, 0))
	b.Drain()

	reply := lastReply(t, *received)
	if !reply.Authorized {
		t.Error("expected buy within cash to be authorized")
	}
	if reply.RequestID != "req-1" {
		t.Errorf("reply must echo the request id, got %q", reply.RequestID)
	}
	if !reply.Value.Equal(d(1000)) {
		t.Errorf("reply must echo the value, got %s", reply.Value)
	}
}

func TestDecide_BuyOverCashDenied(t *testing.T) {
	auth, _, b, received := setup(t, 500)

	auth.HandleMessage(context.Background(), request(model.SideBuy, 1000, 0))
	b.Drain()

	reply := lastReply(t, *received)
	if reply.Authorized {
		t.Error("expected buy exceeding cash to be denied")
	}
	if reply.Reason != "insufficient cash" {
		t.Errorf("expected denial reason, got %q", reply.Reason)
	}
}

func TestDecide_SellAlwaysApproved(t *testing.T) {
	auth, _, b, received := setup(t, 0)

	auth.HandleMessage(context.Background(), request(model.SideSell, 0, 10))
	b.Drain()

	reply := lastReply(t, *received)
	if !reply.Authorized {
		t.Error("expected sell to be authorized regardless of cash")
	}
	if !reply.Quantity.Equal(d(10)) {
		t.Errorf("reply must echo the quantity, got %s", reply.Quantity)
	}
}

func TestDecide_ChecksLiveBalanceNotPerception(t *testing.T) {
	auth, st, b, received := setup(t, 5000)
	ctx := context.Background()

	if err := auth.Perceive(ctx); err != nil {
		t.Fatalf("perceive: %v", err)
	}

	// Cash drains after perception; the decision must see the live balance.
	w, _ := st.GetWallet(ctx)
	w.CashBalance = d(100)
	if err := st.SaveWallet(ctx, w); err != nil {
		t.Fatalf("save wallet: %v", err)
	}

	auth.HandleMessage(ctx, request(model.SideBuy, 1000, 0))
	b.Drain()

	reply := lastReply(t, *received)
	if reply.Authorized {
		t.Error("expected denial against the live balance")
	}
}

func TestAct_LowLiquidityAlertDeduplicated(t *testing.T) {
	auth, st, b, _ := setup(t, 200)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return now }

	var broadcasts int
	b.Subscribe("observer", func(msg bus.Message) {
		if msg.Type == bus.TypeLiquidityAlert {
			broadcasts++
		}
	})

	if err := auth.Perceive(ctx); err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if err := auth.Act(ctx); err != nil {
		t.Fatalf("act: %v", err)
	}
	b.Drain()

	// Second cycle inside the window stays quiet.
	now = now.Add(10 * time.Second)
	if err := auth.Act(ctx); err != nil {
		t.Fatalf("act: %v", err)
	}
	b.Drain()

	alerts, _ := st.ListAlerts(ctx, 10)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert inside the window, got %d", len(alerts))
	}
	if alerts[0].Kind != model.AlertKindLowLiquidity {
		t.Errorf("expected low liquidity alert, got %s", alerts[0].Kind)
	}
	if broadcasts != 1 {
		t.Errorf("expected 1 broadcast, got %d", broadcasts)
	}

	// Past the window the alert fires again.
	now = now.Add(time.Minute)
	if err := auth.Act(ctx); err != nil {
		t.Fatalf("act: %v", err)
	}
	b.Drain()

	alerts, _ = st.ListAlerts(ctx, 10)
	if len(alerts) != 2 {
		t.Errorf("expected a second alert after the window, got %d", len(alerts))
	}
}

func TestAct_HealthyLiquidityNoAlert(t *testing.T) {
	auth, st, _, _ := setup(t, 5000)
	ctx := context.Background()

	if err := auth.Perceive(ctx); err != nil {
		t.Fatalf("perceive: %v", err)
	}
	if err := auth.Act(ctx); err != nil {
		t.Fatalf("act: %v", err)
	}

	alerts, _ := st.ListAlerts(ctx, 10)
	if len(alerts) != 0 {
		t.Errorf("expected no alerts with healthy cash, got %d", len(alerts))
	}
}
