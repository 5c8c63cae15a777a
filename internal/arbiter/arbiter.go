// Package arbiter resolves concurrent accept attempts for one order to
// exactly one winner. Accepts for different orders proceed independently;
// serialization happens per order id only.
package arbiter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/locks"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrAlreadyTaken is the expected outcome for every accept that lost the
// race. It is frequent by design and not treated as a failure.
var ErrAlreadyTaken = errors.New("order already taken")

// Drivers delivers events to driver sessions.
type Drivers interface {
	Send(driverID string, payload any) error
	DriverName(driverID string) string
}

// Rooms is the slice of the room hub the arbiter needs.
type Rooms interface {
	AttachDriver(orderID, driverID string)
	SendToClient(orderID string, payload any) error
	Close(orderID string)
}

// Timers is implemented by the broadcaster: claims stop the expiry timer and
// retract the offer, declines deprioritize rebroadcast.
type Timers interface {
	OrderClaimed(orderID, winnerID string)
	MarkDeclined(orderID, driverID string)
}

type Arbiter struct {
	logger  *slog.Logger
	locks   *locks.Keyed
	store   storage.OrderStore
	drivers Drivers
	rooms   Rooms
	timers  Timers
}

func New(logger *slog.Logger, l *locks.Keyed, store storage.OrderStore, drivers Drivers, rooms Rooms, timers Timers) *Arbiter {
	return &Arbiter{logger: logger, locks: l, store: store, drivers: drivers, rooms: rooms, timers: timers}
}

// Accept atomically claims the order for driverID. Exactly one accept per
// order observes pending and wins; everyone else gets ErrAlreadyTaken and an
// order:taken retraction. Deliveries happen after the per-order lock is
// released so a slow peer never pins the order's critical section.
func (a *Arbiter) Accept(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	unlock := a.locks.Lock(orderID)
	o, err := a.store.UpdateStatus(ctx, orderID, models.StatusPending, models.StatusAssigned, func(o *models.Order) {
		o.DriverID = driverID
	})
	unlock()

	if errors.Is(err, storage.ErrConflict) {
		observability.AcceptConflicts.Inc()
		_ = a.drivers.Send(driverID, protocol.OrderTaken{Type: protocol.TypeOrderTaken, OrderID: orderID})
		return nil, ErrAlreadyTaken
	}
	if err != nil {
		return nil, err
	}

	observability.AcceptWins.Inc()
	a.timers.OrderClaimed(orderID, driverID)
	a.rooms.AttachDriver(orderID, driverID)

	_ = a.drivers.Send(driverID, protocol.OrderAccepted{Type: protocol.TypeOrderAccepted, Order: o})
	_ = a.rooms.SendToClient(orderID, protocol.OrderStatus{
		Type:        protocol.TypeOrderStatus,
		OrderID:     orderID,
		Status:      models.StatusAssigned,
		OrderStatus: models.StatusAssigned,
		DriverName:  a.drivers.DriverName(driverID),
	})
	a.logger.Info("order accepted", "order_id", orderID, "driver_id", driverID)
	return o, nil
}

// Decline is advisory only: it never mutates order state.
func (a *Arbiter) Decline(ctx context.Context, orderID, driverID string) {
	a.timers.MarkDeclined(orderID, driverID)
	a.logger.Debug("order declined", "order_id", orderID, "driver_id", driverID)
}

// Expire cancels an order that stayed pending through the whole offer window.
// An order that already left pending is left untouched.
func (a *Arbiter) Expire(ctx context.Context, orderID, reason string) error {
	unlock := a.locks.Lock(orderID)
	_, err := a.store.UpdateStatus(ctx, orderID, models.StatusPending, models.StatusCancelled, func(o *models.Order) {
		o.CancelledBy = models.RoleSystem
		o.CancelReason = reason
	})
	unlock()

	if errors.Is(err, storage.ErrConflict) {
		// accepted or cancelled before the timer fired
		return nil
	}
	if err != nil {
		return err
	}

	observability.OrdersExpired.Inc()
	if err := a.rooms.SendToClient(orderID, protocol.OrderExpired{Type: protocol.TypeOrderExpired, OrderID: orderID, Reason: reason}); err != nil {
		a.logger.Debug("expiry notice not delivered", "order_id", orderID, "error", err)
	}
	a.rooms.Close(orderID)
	a.logger.Info("order expired", "order_id", orderID, "reason", reason)
	return nil
}
