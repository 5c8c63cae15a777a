// Package lifecycle owns ride status transitions and the cancellation path.
// Only the assigned driver may advance a ride; either party may cancel while
// the order is non-terminal.
package lifecycle

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

var (
	// ErrUnauthorized means the caller is not a current party to the order.
	ErrUnauthorized = errors.New("caller is not a party to this order")
	// ErrInvalidTransition covers out-of-sequence moves and terminal orders.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Rooms is the slice of the room hub the lifecycle needs.
type Rooms interface {
	Broadcast(orderID string, payload any)
	Close(orderID string)
}

// Drivers resolves display names for status broadcasts.
type Drivers interface {
	DriverName(driverID string) string
}

// Timers lets a cancel of a still-pending order clear its offer timer.
type Timers interface {
	OrderClosed(orderID string)
}

// Charger releases a card hold when the order is cancelled before payment.
type Charger interface {
	CancelHold(ctx context.Context, paymentIntentID string) error
}

type Service struct {
	logger  *slog.Logger
	locks   *locks.Keyed
	store   storage.OrderStore
	rooms   Rooms
	drivers Drivers
	timers  Timers
	charger Charger // optional
}

func New(logger *slog.Logger, l *locks.Keyed, store storage.OrderStore, rooms Rooms, drivers Drivers, timers Timers, charger Charger) *Service {
	return &Service{logger: logger, locks: l, store: store, rooms: rooms, drivers: drivers, timers: timers, charger: charger}
}

// UpdateStatus advances the ride one step. The caller must be the assigned
// driver and the step must follow the transition table exactly; anything else
// is rejected with state unchanged. The room broadcast happens after the
// per-order lock is released so delivery never pins the critical section.
func (s *Service) UpdateStatus(ctx context.Context, orderID, driverID string, to models.OrderStatus) (*models.Order, error) {
	o, err := s.applyTransition(ctx, orderID, driverID, to)
	if err != nil {
		return nil, err
	}

	observability.StatusTransitions.WithLabelValues(string(to)).Inc()
	s.rooms.Broadcast(orderID, protocol.OrderStatus{
		Type:        protocol.TypeOrderStatus,
		OrderID:     orderID,
		Status:      to,
		OrderStatus: o.Status,
		DriverName:  s.drivers.DriverName(driverID),
	})
	s.logger.Info("status updated", "order_id", orderID, "status", to, "driver_id", driverID)
	return o, nil
}

func (s *Service) applyTransition(ctx context.Context, orderID, driverID string, to models.OrderStatus) (*models.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if cur.DriverID == "" || cur.DriverID != driverID {
		return nil, ErrUnauthorized
	}
	if cur.Terminal() || !CanTransition(cur.Status, to) {
		return nil, ErrInvalidTransition
	}

	o, err := s.store.UpdateStatus(ctx, orderID, cur.Status, to, func(o *models.Order) {
		// Cash is collected in person: the driver-side confirmation is
		// satisfied the moment the driver marks the ride completed.
		if to == models.StatusCompleted && o.PaymentMethod == models.PaymentCash {
			o.DriverConfirmed = true
		}
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidTransition
	}
	return o, err
}

// Cancel moves a non-terminal order to cancelled, records who and why, and
// notifies the other party. Cancelling an already-cancelled order is a no-op
// reported through changed=false, not an error.
func (s *Service) Cancel(ctx context.Context, orderID string, by models.Role, credential, reason string) (o *models.Order, changed bool, err error) {
	o, changed, err = s.applyCancel(ctx, orderID, by, credential, reason)
	if err != nil || !changed {
		return o, changed, err
	}

	s.timers.OrderClosed(orderID)
	s.releaseHold(ctx, o)
	observability.Cancellations.WithLabelValues(string(by)).Inc()
	s.rooms.Broadcast(orderID, protocol.OrderCancelled{
		Type:        protocol.TypeOrderCancelled,
		OrderID:     orderID,
		CancelledBy: by,
		Reason:      reason,
	})
	s.rooms.Close(orderID)
	s.logger.Info("order cancelled", "order_id", orderID, "by", by, "reason", reason)
	return o, true, nil
}

func (s *Service) applyCancel(ctx context.Context, orderID string, by models.Role, credential, reason string) (*models.Order, bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if cur.Status == models.StatusCancelled {
		return cur, false, nil
	}
	if !CanCancel(cur.Status) {
		return nil, false, ErrInvalidTransition
	}
	if !isParty(cur, by, credential) {
		return nil, false, ErrUnauthorized
	}

	o, err := s.store.UpdateStatus(ctx, orderID, cur.Status, models.StatusCancelled, func(o *models.Order) {
		o.CancelledBy = by
		o.CancelReason = reason
	})
	if errors.Is(err, storage.ErrConflict) {
		// raced with another terminal transition; re-read and report
		cur, gerr := s.store.Get(ctx, orderID)
		if gerr != nil {
			return nil, false, gerr
		}
		if cur.Status == models.StatusCancelled {
			return cur, false, nil
		}
		return nil, false, ErrInvalidTransition
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func (s *Service) releaseHold(ctx context.Context, o *models.Order) {
	if s.charger == nil || o.PaymentIntent == "" || o.FinalizedAt != nil {
		return
	}
	if err := s.charger.CancelHold(ctx, o.PaymentIntent); err != nil {
		s.logger.Error("card hold release failed", "order_id", o.ID, "error", err)
	}
}

// isParty enforces capability-based authorization: a caller is a party iff it
// presents the order's client token or is the assigned driver.
func isParty(o *models.Order, by models.Role, credential string) bool {
	switch by {
	case models.RoleDriver:
		return o.DriverID != "" && o.DriverID == credential
	case models.RoleClient:
		return o.ClientToken != "" && o.ClientToken == credential
	}
	return false
}
