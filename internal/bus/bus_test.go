package bus

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/model"
)

func TestDispatch_BroadcastSkipsSender(t *testing.T) {
	b := New(16)

	var senderGot, peerGot int
	b.Subscribe("sender", func(Message) { senderGot++ })
	b.Subscribe("peer-a", func(Message) { peerGot++ })
	b.Subscribe("peer-b", func(Message) { peerGot++ })

	b.Dispatch(NewMessage(TypeBuySignal, "sender", "", SignalSet{}))

	if senderGot != 0 {
		t.Errorf("sender must not receive its own broadcast, got %d", senderGot)
	}
	if peerGot != 2 {
		t.Errorf("expected both peers to receive the broadcast, got %d", peerGot)
	}
}

func TestDispatch_PointToPoint(t *testing.T) {
	b := New(16)

	var targetGot, otherGot int
	b.Subscribe("target", func(Message) { targetGot++ })
	b.Subscribe("other", func(Message) { otherGot++ })

	b.Dispatch(NewMessage(TypeAuthorizationRequest, "sender", "target", AuthorizationRequest{}))

	if targetGot != 1 {
		t.Errorf("expected target to receive 1 message, got %d", targetGot)
	}
	if otherGot != 0 {
		t.Errorf("point-to-point message leaked to another subscriber, got %d", otherGot)
	}
}

func TestPublish_QueueFullDropsWithoutBlocking(t *testing.T) {
	b := New(1)

	msg := NewMessage(TypeBuySignal, "sender", "", SignalSet{})
	if err := b.Publish(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Second publish must not block even though nothing is draining.
	if err := b.Publish(msg); err != nil {
		t.Errorf("full queue should drop, not error: %v", err)
	}
}

func TestPublish_ClosedBus(t *testing.T) {
	b := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := b.Publish(NewMessage(TypeBuySignal, "sender", "", SignalSet{}))
	if err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestDrain_CascadingPublishes(t *testing.T) {
	b := New(16)

	// The responder publishes a reply when it receives a request; Drain must
	// deliver that reply in the same pass.
	var replyGot bool
	b.Subscribe("responder", func(msg Message) {
		if msg.Type != TypeAuthorizationRequest {
			return
		}
		b.Publish(NewMessage(TypeBuyAuthorization, "responder", "requester",
			AuthorizationReply{Authorized: true, Value: decimal.NewFromInt(100)}))
	})
	b.Subscribe("requester", func(msg Message) {
		if msg.Type == TypeBuyAuthorization {
			replyGot = true
		}
	})

	b.Publish(NewMessage(TypeAuthorizationRequest, "requester", "responder",
		AuthorizationRequest{Side: model.SideBuy, Value: decimal.NewFromInt(100)}))
	b.Drain()

	if !replyGot {
		t.Error("expected the cascaded reply to be delivered by Drain")
	}
}
