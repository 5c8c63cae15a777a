// Package relay forwards periodic position reports between the two members
// of an active ride. Relaying is fire-and-forget: it never blocks on, nor
// serializes with, order state changes.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/room"
	"github.com/example/ride-dispatch/internal/session"
)

var (
	// ErrNotParty means the reporter is not a member of the order's room.
	ErrNotParty = errors.New("reporter is not a party to this order")
	// ErrInactive means the order is outside assigned..inprogress.
	ErrInactive = errors.New("location relay not active for this order")
)

// Rooms is the slice of the room hub the relay needs.
type Rooms interface {
	SendToClient(orderID string, payload any) error
	SendToDriver(orderID string, payload any) error
}

// Store is the read-only order access the relay needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.Order, error)
}

// Producer publishes driver positions for downstream ingest.
type Producer interface {
	PublishPosition(report models.PositionReport) error
}

type Relay struct {
	logger   *slog.Logger
	store    Store
	rooms    Rooms
	sessions *session.Registry
	producer Producer // optional
}

func New(logger *slog.Logger, store Store, rooms Rooms, sessions *session.Registry, producer Producer) *Relay {
	return &Relay{logger: logger, store: store, rooms: rooms, sessions: sessions, producer: producer}
}

// FromDriver relays a driver position report to the client side. When the
// report carries no heading, the bearing is computed from the driver's
// previous report.
func (r *Relay) FromDriver(ctx context.Context, orderID, sessionID string, pos models.Position) error {
	sess, err := r.sessions.Lookup(sessionID)
	if err != nil {
		return err
	}
	o, err := r.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.DriverID == "" || o.DriverID != sess.DriverID {
		return ErrNotParty
	}
	if !o.RelayActive() {
		return ErrInactive
	}

	if pos.Heading == nil {
		if prev := sess.LastPosition(); prev != nil {
			b := geo.Bearing(prev.Lat, prev.Lng, pos.Lat, pos.Lng)
			pos.Heading = &b
		}
	}
	sess.RecordPosition(pos)

	ev := locationEvent(orderID, pos)
	if err := r.rooms.SendToClient(orderID, ev); err != nil && !errors.Is(err, room.ErrNoClient) && !errors.Is(err, room.ErrNoRoom) {
		r.logger.Debug("client relay delivery failed", "order_id", orderID, "error", err)
	}

	if r.producer != nil {
		report := models.PositionReport{
			OrderID: orderID, DriverID: sess.DriverID,
			Lat: pos.Lat, Lng: pos.Lng, Heading: pos.Heading,
			SpeedMps: pos.SpeedMps, Timestamp: pos.Timestamp,
		}
		if err := r.producer.PublishPosition(report); err != nil {
			r.logger.Warn("position publish failed", "order_id", orderID, "error", err)
		}
	}
	return nil
}

// FromClient relays a client position report to the driver side.
func (r *Relay) FromClient(ctx context.Context, orderID, clientToken string, pos models.Position) error {
	o, err := r.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.ClientToken == "" || o.ClientToken != clientToken {
		return ErrNotParty
	}
	if !o.RelayActive() {
		return ErrInactive
	}

	ev := locationEvent(orderID, pos)
	if err := r.rooms.SendToDriver(orderID, ev); err != nil && !errors.Is(err, room.ErrNoRoom) && !errors.Is(err, session.ErrNoSession) {
		r.logger.Debug("driver relay delivery failed", "order_id", orderID, "error", err)
	}
	return nil
}

func locationEvent(orderID string, pos models.Position) protocol.Location {
	return protocol.Location{
		Type:      protocol.TypeLocation,
		OrderID:   orderID,
		Lat:       pos.Lat,
		Lng:       pos.Lng,
		Heading:   pos.Heading,
		SpeedMps:  pos.SpeedMps,
		Timestamp: pos.Timestamp,
	}
}
