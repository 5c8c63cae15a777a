// Package dispatch publishes newly created orders to eligible online drivers
// and owns the pending-order pool with its expiry timers.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// ReasonNoDriver is recorded on orders that expire unaccepted.
const ReasonNoDriver = "no driver available"

// Sessions is the slice of the session registry the broadcaster needs.
type Sessions interface {
	OnlineDriverIDs() []string
	Send(driverID string, payload any) error
}

// Ranker orders broadcast candidates; proximity ranking is a pluggable policy
// and eligibility stays "online" regardless of the ranker.
type Ranker interface {
	Rank(ctx context.Context, pickup models.Coord, driverIDs []string) []string
}

// Expirer cancels a pending order that outlived its offer window.
type Expirer interface {
	Expire(ctx context.Context, orderID, reason string) error
}

// Pusher hands an offer to the external notification dispatcher when a live
// delivery fails. Invoked, not implemented, by this core.
type Pusher interface {
	Notify(driverID string, payload any) error
}

type pendingOrder struct {
	order    *models.Order
	timer    *time.Timer
	declined map[string]struct{}
}

type Broadcaster struct {
	logger   *slog.Logger
	sessions Sessions
	window   time.Duration

	// Optional policies, set before the first publish.
	Ranker Ranker
	Push   Pusher

	expirer Expirer

	mu      sync.Mutex
	pending map[string]*pendingOrder
}

func NewBroadcaster(logger *slog.Logger, sessions Sessions, window time.Duration) *Broadcaster {
	return &Broadcaster{
		logger:   logger,
		sessions: sessions,
		window:   window,
		pending:  make(map[string]*pendingOrder),
	}
}

// SetExpirer wires the acceptance arbiter in after construction; the two
// reference each other (timer fires -> expire, accept -> stop timer).
func (b *Broadcaster) SetExpirer(e Expirer) { b.expirer = e }

// PublishPending offers the order to every currently-online driver and arms
// the expiry timer. With no drivers online the order stays pooled and is
// rebroadcast when a driver comes online.
func (b *Broadcaster) PublishPending(ctx context.Context, o *models.Order) {
	p := &pendingOrder{order: o, declined: make(map[string]struct{})}
	orderID := o.ID
	p.timer = time.AfterFunc(b.window, func() { b.expire(orderID) })

	b.mu.Lock()
	b.pending[orderID] = p
	observability.PendingOrders.Set(float64(len(b.pending)))
	b.mu.Unlock()

	targets := b.sessions.OnlineDriverIDs()
	if b.Ranker != nil && len(targets) > 1 {
		targets = b.Ranker.Rank(ctx, o.Pickup, targets)
	}
	ev := protocol.OrderNew{Type: protocol.TypeOrderNew, Order: o}
	for _, driverID := range targets {
		b.offer(driverID, ev)
	}
	observability.OrdersPublished.Inc()
	b.logger.Info("order published", "order_id", orderID, "drivers", len(targets))
}

func (b *Broadcaster) offer(driverID string, ev protocol.OrderNew) {
	if err := b.sessions.Send(driverID, ev); err != nil {
		if b.Push != nil {
			if perr := b.Push.Notify(driverID, ev); perr != nil {
				b.logger.Warn("push fallback failed", "driver_id", driverID, "error", perr)
			}
		}
	}
}

// DriverOnline rebroadcasts the pending pool to a driver that just came
// online, skipping orders that driver already declined.
func (b *Broadcaster) DriverOnline(driverID string) {
	b.mu.Lock()
	offers := make([]protocol.OrderNew, 0, len(b.pending))
	for _, p := range b.pending {
		if _, declined := p.declined[driverID]; declined {
			continue
		}
		offers = append(offers, protocol.OrderNew{Type: protocol.TypeOrderNew, Order: p.order})
	}
	b.mu.Unlock()

	for _, ev := range offers {
		b.offer(driverID, ev)
	}
}

// MarkDeclined records an advisory decline so rebroadcasts deprioritize the
// driver. Order state is never mutated here.
func (b *Broadcaster) MarkDeclined(orderID, driverID string) {
	b.mu.Lock()
	if p, ok := b.pending[orderID]; ok {
		p.declined[driverID] = struct{}{}
	}
	b.mu.Unlock()
}

// OrderClaimed stops the expiry timer and retracts the offer from every other
// online driver.
func (b *Broadcaster) OrderClaimed(orderID, winnerID string) {
	b.remove(orderID)
	ev := protocol.OrderTaken{Type: protocol.TypeOrderTaken, OrderID: orderID}
	for _, driverID := range b.sessions.OnlineDriverIDs() {
		if driverID == winnerID {
			continue
		}
		_ = b.sessions.Send(driverID, ev)
	}
}

// OrderClosed drops the pool entry when a pending order is cancelled through
// a non-accept path.
func (b *Broadcaster) OrderClosed(orderID string) {
	b.remove(orderID)
}

func (b *Broadcaster) remove(orderID string) {
	b.mu.Lock()
	if p, ok := b.pending[orderID]; ok {
		p.timer.Stop()
		delete(b.pending, orderID)
		observability.PendingOrders.Set(float64(len(b.pending)))
	}
	b.mu.Unlock()
}

func (b *Broadcaster) expire(orderID string) {
	b.remove(orderID)
	if b.expirer == nil {
		return
	}
	if err := b.expirer.Expire(context.Background(), orderID, ReasonNoDriver); err != nil {
		b.logger.Error("expire failed", "order_id", orderID, "error", err)
	}
}

// PendingCount reports the pool size, mostly for tests.
func (b *Broadcaster) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
