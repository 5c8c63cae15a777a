package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payment"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Inbound message types. Outbound types live in the protocol package.
const (
	msgOnline         = "online"
	msgOrderAccept    = "order:accept"
	msgOrderDecline   = "order:decline"
	msgOrderStatus    = "order:status"
	msgOrderCancel    = "order:cancel"
	msgPaymentConfirm = "payment:confirm"
	msgPaymentRetry   = "payment:retry"
	msgSwitchCash     = "payment:switch_cash"
	msgLocation       = "location:update"
)

// inboundMessage is the single envelope both apps send; Type selects which
// fields are meaningful.
type inboundMessage struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`

	Online    *bool              `json:"online,omitempty"`
	Status    models.OrderStatus `json:"status,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Confirmed *bool              `json:"confirmed,omitempty"`

	Lat       float64   `json:"lat,omitempty"`
	Lng       float64   `json:"lng,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	SpeedMps  float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (m *inboundMessage) position() models.Position {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Position{Lat: m.Lat, Lng: m.Lng, Heading: m.Heading, SpeedMps: m.SpeedMps, Timestamp: ts}
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	name := r.URL.Query().Get("name")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", driverID, "error", err)
		return
	}

	sess := s.registry.Join(driverID, name, conn)
	defer s.registry.Remove(sess.ID)

	_ = s.registry.Send(driverID, protocol.Joined{Type: protocol.TypeJoined, SessionID: sess.ID, Success: true})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("driver connection lost", "driver_id", driverID, "error", err)
			}
			return
		}
		s.dispatchDriverMessage(r, sess.ID, driverID, &msg)
	}
}

func (s *Server) dispatchDriverMessage(r *http.Request, sessionID, driverID string, msg *inboundMessage) {
	ctx := r.Context()
	var err error

	switch msg.Type {
	case msgOnline:
		online := msg.Online != nil && *msg.Online
		err = s.registry.SetOnline(sessionID, online)
	case msgOrderAccept:
		_, err = s.arbiter.Accept(ctx, msg.OrderID, driverID)
		if errors.Is(err, arbiter.ErrAlreadyTaken) {
			// the arbiter already sent the retraction
			return
		}
	case msgOrderDecline:
		s.arbiter.Decline(ctx, msg.OrderID, driverID)
	case msgOrderStatus:
		_, err = s.lifecycle.UpdateStatus(ctx, msg.OrderID, driverID, msg.Status)
	case msgOrderCancel:
		_, _, err = s.lifecycle.Cancel(ctx, msg.OrderID, models.RoleDriver, driverID, msg.Reason)
	case msgPaymentConfirm:
		confirmed := msg.Confirmed == nil || *msg.Confirmed
		_, err = s.payment.Confirm(ctx, msg.OrderID, models.RoleDriver, driverID, confirmed)
	case msgLocation:
		err = s.relay.FromDriver(ctx, msg.OrderID, sessionID, msg.position())
	default:
		err = errors.New("unknown message type " + msg.Type)
	}

	if err != nil {
		_ = s.registry.Send(driverID, driverError(msg.OrderID, err))
	}
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	token := r.URL.Query().Get("token")

	o, err := s.store.Get(r.Context(), orderID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if token == "" || token != o.ClientToken {
		http.Error(w, "not a party to this order", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "order_id", orderID, "error", err)
		return
	}

	// The read loop owns the connection, and error replies are written to it
	// directly: the room may already be torn down (cancelled, expired, payment
	// finalized) while the connection is still open, and errors must reach the
	// caller regardless.
	cc := &clientConn{conn: conn}
	s.rooms.JoinClient(orderID, cc)
	defer s.rooms.DetachClient(orderID, cc)

	_ = writeEvent(cc, protocol.Joined{Type: protocol.TypeJoined, OrderID: orderID, Success: true})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("client connection lost", "order_id", orderID, "error", err)
			}
			return
		}
		s.dispatchClientMessage(r, orderID, token, cc, &msg)
	}
}

func (s *Server) dispatchClientMessage(r *http.Request, orderID, token string, cc *clientConn, msg *inboundMessage) {
	ctx := r.Context()
	var err error

	switch msg.Type {
	case msgOrderCancel:
		_, _, err = s.lifecycle.Cancel(ctx, orderID, models.RoleClient, token, msg.Reason)
	case msgPaymentConfirm:
		confirmed := msg.Confirmed == nil || *msg.Confirmed
		_, err = s.payment.Confirm(ctx, orderID, models.RoleClient, token, confirmed)
	case msgPaymentRetry:
		err = s.payment.RetryPayment(ctx, orderID, token)
	case msgSwitchCash:
		_, err = s.payment.SwitchToCash(ctx, orderID, token)
	case msgLocation:
		err = s.relay.FromClient(ctx, orderID, token, msg.position())
	default:
		err = errors.New("unknown message type " + msg.Type)
	}

	if err != nil {
		_ = writeEvent(cc, protocol.Errorf(orderID, "%s: %v", msg.Type, err))
	}
}

// clientConn serializes writes onto one client websocket so the room hub and
// the read loop's direct error replies never interleave frames.
type clientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *clientConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *clientConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *clientConn) Close() error { return c.conn.Close() }

func writeEvent(cc *clientConn, payload any) error {
	_ = cc.SetWriteDeadline(time.Now().Add(writeWait))
	return cc.WriteJSON(payload)
}

// driverError maps service errors to wire errors without leaking internals.
func driverError(orderID string, err error) protocol.Error {
	switch {
	case errors.Is(err, lifecycle.ErrUnauthorized), errors.Is(err, payment.ErrUnauthorized), errors.Is(err, relay.ErrNotParty):
		return protocol.Errorf(orderID, "not a party to this order")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return protocol.Errorf(orderID, "invalid transition")
	case errors.Is(err, storage.ErrNotFound):
		return protocol.Errorf(orderID, "order not found")
	default:
		return protocol.Errorf(orderID, "%v", err)
	}
}

// pingLoop keeps the connection alive until the read loop exits. WriteControl
// is safe to call concurrently with the registry's JSON writes.
func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
