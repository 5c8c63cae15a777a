// Package room pairs the two live connections of one order: the assigned
// driver's session and the client identified by the order's token. Rooms are
// process-local and rebuilt from the durable order on reconnect.
package room

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
)

var (
	ErrNoRoom   = errors.New("no room for order")
	ErrNoClient = errors.New("client not connected")
)

// DriverSender delivers payloads to a driver's live session.
type DriverSender interface {
	Send(driverID string, payload any) error
}

type room struct {
	driverID string

	mu     sync.Mutex
	client session.Conn
}

// Hub is the ride-room registry for one server instance.
type Hub struct {
	logger  *slog.Logger
	drivers DriverSender
	retry   session.RetryPolicy

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewHub(logger *slog.Logger, drivers DriverSender, retry session.RetryPolicy) *Hub {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	if retry.Timeout <= 0 {
		retry.Timeout = 5 * time.Second
	}
	return &Hub{logger: logger, drivers: drivers, retry: retry, rooms: make(map[string]*room)}
}

func (h *Hub) get(orderID string, create bool) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[orderID]
	if !ok && create {
		rm = &room{}
		h.rooms[orderID] = rm
	}
	return rm
}

// JoinClient binds the client connection to the order's room. Token
// verification against the order happens in the transport layer before this.
func (h *Hub) JoinClient(orderID string, conn session.Conn) {
	rm := h.get(orderID, true)
	rm.mu.Lock()
	if rm.client != nil {
		_ = rm.client.Close()
	}
	rm.client = conn
	rm.mu.Unlock()
	observability.ClientConnections.Inc()
	h.logger.Info("client joined room", "order_id", orderID)
}

// DetachClient drops the client side if conn is still the current one.
func (h *Hub) DetachClient(orderID string, conn session.Conn) {
	rm := h.get(orderID, false)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if rm.client == conn {
		rm.client = nil
		observability.ClientConnections.Dec()
	}
	rm.mu.Unlock()
}

// AttachDriver records the winning driver as the room's driver side.
func (h *Hub) AttachDriver(orderID, driverID string) {
	rm := h.get(orderID, true)
	rm.mu.Lock()
	rm.driverID = driverID
	rm.mu.Unlock()
}

func (h *Hub) SendToClient(orderID string, payload any) error {
	rm := h.get(orderID, false)
	if rm == nil {
		return ErrNoRoom
	}
	rm.mu.Lock()
	conn := rm.client
	rm.mu.Unlock()
	if conn == nil {
		return ErrNoClient
	}

	var err error
	backoff := h.retry.Backoff
	for i := 0; i < h.retry.Attempts; i++ {
		_ = conn.SetWriteDeadline(time.Now().Add(h.retry.Timeout))
		if err = conn.WriteJSON(payload); err == nil {
			return nil
		}
		if i < h.retry.Attempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	observability.DeliveryFailures.Inc()
	h.logger.Warn("client delivery failed", "order_id", orderID, "error", err)
	return err
}

func (h *Hub) SendToDriver(orderID string, payload any) error {
	rm := h.get(orderID, false)
	if rm == nil {
		return ErrNoRoom
	}
	rm.mu.Lock()
	driverID := rm.driverID
	rm.mu.Unlock()
	if driverID == "" {
		return ErrNoRoom
	}
	return h.drivers.Send(driverID, payload)
}

// Broadcast delivers to both parties, best effort. Absent parties are
// tolerated; delivery failures are surfaced through metrics and logs.
func (h *Hub) Broadcast(orderID string, payload any) {
	if err := h.SendToClient(orderID, payload); err != nil && !errors.Is(err, ErrNoClient) && !errors.Is(err, ErrNoRoom) {
		h.logger.Warn("room broadcast to client failed", "order_id", orderID, "error", err)
	}
	if err := h.SendToDriver(orderID, payload); err != nil && !errors.Is(err, ErrNoRoom) && !errors.Is(err, session.ErrNoSession) {
		h.logger.Warn("room broadcast to driver failed", "order_id", orderID, "error", err)
	}
}

// Close destroys the room. Connections themselves are owned by their read
// loops and stay open.
func (h *Hub) Close(orderID string) {
	h.mu.Lock()
	rm, ok := h.rooms[orderID]
	if ok {
		delete(h.rooms, orderID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	if rm.client != nil {
		observability.ClientConnections.Dec()
	}
	rm.mu.Unlock()
	h.logger.Info("room closed", "order_id", orderID)
}
