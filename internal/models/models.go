package models

import "time"

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusAssigned   OrderStatus = "assigned"
	StatusEnroute    OrderStatus = "enroute"
	StatusArrived    OrderStatus = "arrived"
	StatusInProgress OrderStatus = "inprogress"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether no further status transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

// Role identifies which side of a ride room an actor belongs to.
type Role string

const (
	RoleDriver Role = "driver"
	RoleClient Role = "client"
	RoleSystem Role = "system"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Position is a single GPS report from either party. Heading is a pointer so
// the relay can tell "not reported" apart from a genuine 0-degree heading.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	SpeedMps  float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChange is one entry in an order's audit timeline.
type StatusChange struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
}

// Order is the unit of coordination. It is the only durable record the core
// mutates; driver sessions and ride rooms are process-local and can be rebuilt
// from DriverID and ClientToken after a reconnect.
type Order struct {
	ID            string        `json:"id"`
	Status        OrderStatus   `json:"status"`
	DriverID      string        `json:"driver_id,omitempty"`
	ClientToken   string        `json:"-"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	PaymentIntent string        `json:"-"`

	Pickup  Coord `json:"pickup"`
	Dropoff Coord `json:"dropoff"`

	DriverConfirmed bool       `json:"driver_confirmed"`
	ClientConfirmed bool       `json:"client_confirmed"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`

	CancelledBy  Role   `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Timeline  []StatusChange `json:"timeline,omitempty"`
}

func (o *Order) Terminal() bool { return o.Status.Terminal() }

// PaymentOutstanding reports whether the confirmation handshake is still open.
func (o *Order) PaymentOutstanding() bool {
	return o.Status == StatusCompleted && o.FinalizedAt == nil
}

// RelayActive reports whether location relay is permitted for the order.
func (o *Order) RelayActive() bool {
	switch o.Status {
	case StatusAssigned, StatusEnroute, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

// Clone returns a deep copy so stores can hand out snapshots safely.
func (o *Order) Clone() *Order {
	c := *o
	if o.FinalizedAt != nil {
		t := *o.FinalizedAt
		c.FinalizedAt = &t
	}
	c.Timeline = append([]StatusChange(nil), o.Timeline...)
	return &c
}

// PositionReport is the Kafka payload for driver position ingest.
type PositionReport struct {
	OrderID   string    `json:"order_id"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	SpeedMps  float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
