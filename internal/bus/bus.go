// Package bus is the asynchronous message fabric connecting agents.
// Delivery is at-least-once within the process: messages with a receiver are
// dispatched point-to-point, messages without one are broadcast to every
// subscriber except the sender. No ordering is guaranteed across types.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/allocation"
	"github.com/rebalancer/portfolio-engine/internal/model"
)

// Type identifies the message contract a payload follows.
type Type string

const (
	// Coordinator → Wallet Authority (point-to-point).
	TypeAuthorizationRequest Type = "authorization_request"

	// Wallet Authority → Coordinator (point-to-point). Authorized flag in
	// the payload distinguishes granted from denied.
	TypeBuyAuthorization  Type = "buy_authorization"
	TypeSellAuthorization Type = "sell_authorization"

	// Market Analyst → broadcast.
	TypeBuySignal  Type = "buy_signal"
	TypeSellSignal Type = "sell_signal"

	// Coordinator → broadcast.
	TypeOperationExecuted     Type = "operation_executed"
	TypePortfolioDistribution Type = "portfolio_distribution"

	// Wallet Authority → broadcast.
	TypeLiquidityAlert Type = "liquidity_alert"
)

// Message is one envelope on the bus. Receiver empty means broadcast.
type Message struct {
	ID        string
	Type      Type
	Sender    string
	Receiver  string
	Payload   any
	Timestamp time.Time
}

// NewMessage builds an envelope with a fresh id and timestamp.
func NewMessage(t Type, sender, receiver string, payload any) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      t,
		Sender:    sender,
		Receiver:  receiver,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// --- Typed payloads (one struct per contract) ---

// AuthorizationRequest asks the wallet authority to sign off on one
// operation. RequestID correlates the eventual reply.
type AuthorizationRequest struct {
	RequestID string
	Side      model.Side
	AssetCode string
	Value     decimal.Decimal // buy notional
	Quantity  decimal.Decimal // sell units
	Reason    string
}

// AuthorizationReply is the authority's verdict, echoing the request fields.
type AuthorizationReply struct {
	RequestID  string
	Authorized bool
	Side       model.Side
	AssetCode  string
	Value      decimal.Decimal
	Quantity   decimal.Decimal
	Reason     string
}

// Signal is one analyst recommendation for an asset.
type Signal struct {
	Action model.Side
	Reason string
}

// SignalSet maps asset codes to recommendations.
type SignalSet struct {
	Signals map[string]Signal
}

// OperationExecuted announces a committed trade.
type OperationExecuted struct {
	TransactionID string
	Side          model.Side
	AssetCode     string
	Value         decimal.Decimal
}

// DistributionReport is the coordinator's per-type portfolio breakdown.
type DistributionReport struct {
	Distribution map[model.AssetType]allocation.Slice
	TotalValue   decimal.Decimal
}

// LiquidityAlert warns that cash has fallen below the configured minimum.
type LiquidityAlert struct {
	Message     string
	CashBalance decimal.Decimal
	Minimum     decimal.Decimal
}

// ErrBusClosed is returned when publishing to a stopped bus.
var ErrBusClosed = errors.New("bus: closed")

// Handler consumes messages delivered to a subscriber.
type Handler func(Message)

// Bus is a bounded in-process message queue with a single dispatch loop.
// Handlers run on the dispatch goroutine; they must not block indefinitely.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	queue       chan Message
	closed      bool
}

// New allocates a bus with the given queue capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		subscribers: make(map[string][]Handler),
		queue:       make(chan Message, capacity),
	}
}

// Subscribe registers a handler under an agent name. Multiple handlers per
// name are allowed.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = append(b.subscribers[name], h)
}

// Publish enqueues a message for asynchronous dispatch. Drops the message
// with a warning if the queue is full — agents must not be blocked by a slow
// consumer.
func (b *Bus) Publish(msg Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- msg:
		return nil
	default:
		slog.Warn("bus queue full, dropping message", "type", msg.Type, "sender", msg.Sender)
		return nil
	}
}

// Run dispatches queued messages until the context is done. Call in a
// goroutine.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			return
		case msg := <-b.queue:
			b.Dispatch(msg)
		}
	}
}

// Drain dispatches queued messages until the queue is empty. Handlers may
// publish while draining; those messages are dispatched too.
func (b *Bus) Drain() {
	for {
		select {
		case msg := <-b.queue:
			b.Dispatch(msg)
		default:
			return
		}
	}
}

// Dispatch delivers one message synchronously: to the named receiver when
// set, otherwise to every subscriber except the sender. Exposed so tests can
// drive delivery deterministically.
func (b *Bus) Dispatch(msg Message) {
	b.mu.RLock()
	var handlers []Handler
	if msg.Receiver != "" {
		handlers = append(handlers, b.subscribers[msg.Receiver]...)
	} else {
		for name, hs := range b.subscribers {
			if name == msg.Sender {
				continue
			}
			handlers = append(handlers, hs...)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
