// Package payment runs the two-sided confirmation handshake that gates an
// order's terminal payment state. Both parties must confirm before payment
// finalizes; cash rides only wait on the client once the driver has completed
// the ride.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/locks"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrNotCompleted means the order has not reached completed status.
	ErrNotCompleted = errors.New("order is not completed")
	// ErrFinalized means the handshake already closed.
	ErrFinalized = errors.New("payment already finalized")
	// ErrUnauthorized means the presented credential is not a party's.
	ErrUnauthorized = errors.New("invalid credential for this order")
	// ErrNotCard is returned by SwitchToCash on a non-card order.
	ErrNotCard = errors.New("payment method is not card")
	// ErrChargeFailed wraps a gateway capture failure; the handshake stays
	// open so the client can retry or switch to cash.
	ErrChargeFailed = errors.New("card capture failed")
)

// Rooms is the slice of the room hub the handshake needs.
type Rooms interface {
	Broadcast(orderID string, payload any)
	Close(orderID string)
}

// Charger is the external payment gateway. Capture finalizes a held card
// amount, CancelHold releases it.
type Charger interface {
	Capture(ctx context.Context, paymentIntentID string) error
	CancelHold(ctx context.Context, paymentIntentID string) error
}

type Service struct {
	logger  *slog.Logger
	locks   *locks.Keyed
	store   storage.OrderStore
	rooms   Rooms
	charger Charger // optional; nil means no gateway interaction
}

func New(logger *slog.Logger, l *locks.Keyed, store storage.OrderStore, rooms Rooms, charger Charger) *Service {
	return &Service{logger: logger, locks: l, store: store, rooms: rooms, charger: charger}
}

// Confirm records one party's confirmation. Payment finalizes the moment both
// flags are true; for card orders the capture must succeed first, otherwise
// the handshake stays open. It never silently finalizes: every invalid
// attempt fails closed with an explicit error. Broadcasts go out after the
// per-order lock is released.
func (s *Service) Confirm(ctx context.Context, orderID string, role models.Role, credential string, confirmed bool) (*models.Order, error) {
	o, err := s.applyConfirm(ctx, orderID, role, credential, confirmed)
	if err != nil {
		return nil, err
	}

	s.broadcastStatus(o, confirmed)
	if o.FinalizedAt != nil {
		s.rooms.Close(orderID)
	}
	return o, nil
}

func (s *Service) applyConfirm(ctx context.Context, orderID string, role models.Role, credential string, confirmed bool) (*models.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpen(o); err != nil {
		return nil, err
	}
	switch role {
	case models.RoleDriver:
		if o.DriverID == "" || o.DriverID != credential {
			return nil, ErrUnauthorized
		}
		o.DriverConfirmed = confirmed
	case models.RoleClient:
		if o.ClientToken != credential {
			return nil, ErrUnauthorized
		}
		o.ClientConfirmed = confirmed
	default:
		return nil, ErrUnauthorized
	}

	if o.DriverConfirmed && o.ClientConfirmed {
		if err := s.finalize(ctx, o); err != nil {
			// persist the flags so the next attempt only needs the capture
			if uerr := s.store.Update(ctx, o); uerr != nil {
				s.logger.Error("flag persist failed after capture error", "order_id", orderID, "error", uerr)
			}
			return nil, err
		}
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// RetryPayment signals the client side that a new payment attempt may begin.
// Valid only while payment is outstanding; confirmation flags are untouched.
func (s *Service) RetryPayment(ctx context.Context, orderID, clientToken string) error {
	unlock := s.locks.Lock(orderID)
	o, err := s.store.Get(ctx, orderID)
	if err == nil {
		if oerr := s.checkOpen(o); oerr != nil {
			err = oerr
		} else if o.ClientToken != clientToken {
			err = ErrUnauthorized
		}
	}
	unlock()
	if err != nil {
		return err
	}

	s.rooms.Broadcast(orderID, protocol.PaymentRetry{
		Type:        protocol.TypePaymentRetry,
		OrderID:     orderID,
		AmountCents: o.AmountCents,
	})
	s.logger.Info("payment retry signalled", "order_id", orderID)
	return nil
}

// SwitchToCash flips a card order to cash mid-handshake. The driver-side
// confirmation is re-evaluated (the ride is already completed, so cash
// auto-satisfies it) and both parties are told the new method and amount.
func (s *Service) SwitchToCash(ctx context.Context, orderID, clientToken string) (*models.Order, error) {
	o, err := s.applySwitch(ctx, orderID, clientToken)
	if err != nil {
		return nil, err
	}

	s.rooms.Broadcast(orderID, protocol.PaymentSwitched{
		Type:          protocol.TypePaymentSwitched,
		OrderID:       orderID,
		PaymentMethod: o.PaymentMethod,
		AmountCents:   o.AmountCents,
	})
	if o.FinalizedAt != nil {
		s.broadcastStatus(o, true)
		s.rooms.Close(orderID)
	}
	s.logger.Info("payment switched to cash", "order_id", orderID)
	return o, nil
}

func (s *Service) applySwitch(ctx context.Context, orderID, clientToken string) (*models.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpen(o); err != nil {
		return nil, err
	}
	if o.ClientToken != clientToken {
		return nil, ErrUnauthorized
	}
	if o.PaymentMethod != models.PaymentCard {
		return nil, ErrNotCard
	}

	if s.charger != nil && o.PaymentIntent != "" {
		if err := s.charger.CancelHold(ctx, o.PaymentIntent); err != nil {
			s.logger.Error("card hold release failed", "order_id", orderID, "error", err)
		}
	}
	o.PaymentMethod = models.PaymentCash
	o.PaymentIntent = ""
	o.DriverConfirmed = true

	if o.ClientConfirmed {
		if err := s.finalize(ctx, o); err != nil {
			return nil, err
		}
	}
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) checkOpen(o *models.Order) error {
	if o.Status != models.StatusCompleted {
		return ErrNotCompleted
	}
	if o.FinalizedAt != nil {
		return ErrFinalized
	}
	return nil
}

func (s *Service) finalize(ctx context.Context, o *models.Order) error {
	if o.PaymentMethod == models.PaymentCard && s.charger != nil && o.PaymentIntent != "" {
		if err := s.charger.Capture(ctx, o.PaymentIntent); err != nil {
			s.logger.Error("capture failed", "order_id", o.ID, "error", err)
			return errors.Join(ErrChargeFailed, err)
		}
	}
	now := time.Now()
	o.FinalizedAt = &now
	observability.PaymentsFinalized.WithLabelValues(string(o.PaymentMethod)).Inc()
	s.logger.Info("payment finalized", "order_id", o.ID, "method", o.PaymentMethod)
	return nil
}

func (s *Service) broadcastStatus(o *models.Order, confirmed bool) {
	status := protocol.PaymentWaiting
	if o.FinalizedAt != nil {
		status = protocol.PaymentFinalized
	}
	s.rooms.Broadcast(o.ID, protocol.PaymentStatus{
		Type:            protocol.TypePaymentStatus,
		OrderID:         o.ID,
		Status:          status,
		Confirmed:       confirmed,
		DriverConfirmed: o.DriverConfirmed,
		ClientConfirmed: o.ClientConfirmed,
		AmountCents:     o.AmountCents,
		PaymentMethod:   o.PaymentMethod,
	})
}
