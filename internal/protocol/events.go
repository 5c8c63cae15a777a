// Package protocol defines the wire events exchanged over driver and client
// websocket connections. Every outbound payload carries a Type field so the
// apps can route on it without a second framing layer.
package protocol

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	TypeJoined          = "joined"
	TypeOrderNew        = "order:new"
	TypeOrderTaken      = "order:taken"
	TypeOrderAccepted   = "order:accepted"
	TypeOrderExpired    = "order:expired"
	TypeOrderStatus     = "order:status"
	TypeOrderCancelled  = "order:cancelled"
	TypePaymentStatus   = "payment:status"
	TypePaymentRetry    = "payment:retry"
	TypePaymentSwitched = "payment:switched"
	TypeLocation        = "location:update"
	TypeError           = "error"
)

type Joined struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
	Success   bool   `json:"success"`
}

// OrderNew carries a full order snapshot to eligible drivers.
type OrderNew struct {
	Type  string        `json:"type"`
	Order *models.Order `json:"order"`
}

// OrderTaken retracts an offer from a driver that did not win it.
type OrderTaken struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
}

// OrderAccepted confirms the winning accept to the assigned driver.
type OrderAccepted struct {
	Type  string        `json:"type"`
	Order *models.Order `json:"order"`
}

type OrderExpired struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderStatus struct {
	Type        string             `json:"type"`
	OrderID     string             `json:"order_id"`
	Status      models.OrderStatus `json:"status"`
	OrderStatus models.OrderStatus `json:"order_status"`
	DriverName  string             `json:"driver_name,omitempty"`
}

type OrderCancelled struct {
	Type        string      `json:"type"`
	OrderID     string      `json:"order_id"`
	CancelledBy models.Role `json:"cancelled_by"`
	Reason      string      `json:"reason,omitempty"`
}

// PaymentStatus reports handshake progress to both parties.
type PaymentStatus struct {
	Type            string               `json:"type"`
	OrderID         string               `json:"order_id"`
	Status          string               `json:"status"` // waiting or finalized
	Confirmed       bool                 `json:"confirmed"`
	DriverConfirmed bool                 `json:"driver_confirmed"`
	ClientConfirmed bool                 `json:"client_confirmed"`
	AmountCents     int64                `json:"amount_cents"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
}

const (
	PaymentWaiting   = "waiting"
	PaymentFinalized = "finalized"
)

// PaymentRetry tells the client side a fresh payment attempt may begin.
type PaymentRetry struct {
	Type        string `json:"type"`
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
}

type PaymentSwitched struct {
	Type          string               `json:"type"`
	OrderID       string               `json:"order_id"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	AmountCents   int64                `json:"amount_cents"`
}

type Location struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	SpeedMps  float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message"`
}

func Errorf(orderID, format string, args ...any) Error {
	return Error{Type: TypeError, OrderID: orderID, Message: fmt.Sprintf(format, args...)}
}
