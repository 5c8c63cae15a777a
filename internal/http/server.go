// Package httpapi is the transport layer: REST endpoints for order creation
// and snapshots, plus the driver and client websocket endpoints. All domain
// decisions live in the services it delegates to.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payment"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/room"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

// Holder places a card hold at order creation. Wired only when a gateway is
// configured; cash orders never touch it.
type Holder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

// Deps is the explicit wiring for the server; main builds it once at startup.
type Deps struct {
	Logger      *slog.Logger
	Store       storage.OrderStore
	Registry    *session.Registry
	Rooms       *room.Hub
	Broadcaster *dispatch.Broadcaster
	Arbiter     *arbiter.Arbiter
	Lifecycle   *lifecycle.Service
	Payment     *payment.Service
	Relay       *relay.Relay
	Holder      Holder // optional
}

type Server struct {
	logger      *slog.Logger
	store       storage.OrderStore
	registry    *session.Registry
	rooms       *room.Hub
	broadcaster *dispatch.Broadcaster
	arbiter     *arbiter.Arbiter
	lifecycle   *lifecycle.Service
	payment     *payment.Service
	relay       *relay.Relay
	holder      Holder

	mux *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		logger:      d.Logger,
		store:       d.Store,
		registry:    d.Registry,
		rooms:       d.Rooms,
		broadcaster: d.Broadcaster,
		arbiter:     d.Arbiter,
		lifecycle:   d.Lifecycle,
		payment:     d.Payment,
		relay:       d.Relay,
		holder:      d.Holder,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/orders/{order_id}", s.handleClientWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createOrderRequest struct {
	Pickup        models.Coord         `json:"pickup"`
	Dropoff       models.Coord         `json:"dropoff"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	AmountCents   int64                `json:"amount_cents"`
	Currency      string               `json:"currency"`
	CustomerID    string               `json:"customer_id,omitempty"`
}

type createOrderResponse struct {
	Order       *models.Order `json:"order"`
	ClientToken string        `json:"client_token"`
}

// handleCreateOrder persists a pending order, places a card hold when the
// method is card, and publishes the order to online drivers. The client token
// in the response is the caller's capability for every later operation.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.PaymentMethod {
	case models.PaymentCash, models.PaymentCard:
	default:
		http.Error(w, "payment_method must be cash or card", http.StatusBadRequest)
		return
	}
	if req.AmountCents <= 0 {
		http.Error(w, "amount_cents must be > 0", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}

	now := time.Now()
	o := &models.Order{
		ID:            uuid.NewString(),
		Status:        models.StatusPending,
		ClientToken:   uuid.NewString(),
		PaymentMethod: req.PaymentMethod,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.PaymentMethod == models.PaymentCard && s.holder != nil {
		pi, err := s.holder.Hold(r.Context(), req.AmountCents, req.Currency, req.CustomerID)
		if err != nil {
			s.logger.Error("card hold failed", "error", err)
			http.Error(w, "card hold failed", http.StatusBadGateway)
			return
		}
		o.PaymentIntent = pi
	}

	if err := s.store.Create(r.Context(), o); err != nil {
		s.logger.Error("order create failed", "error", err)
		http.Error(w, "order create failed", http.StatusInternalServerError)
		return
	}
	s.broadcaster.PublishPending(r.Context(), o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createOrderResponse{Order: o, ClientToken: o.ClientToken})
}

// handleGetOrder returns an order snapshot to one of its parties. The caller
// proves membership with the client token or the assigned driver id.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	o, err := s.store.Get(r.Context(), orderID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	token := r.URL.Query().Get("token")
	driverID := r.URL.Query().Get("driver_id")
	authorized := (token != "" && token == o.ClientToken) ||
		(driverID != "" && o.DriverID != "" && driverID == o.DriverID)
	if !authorized {
		http.Error(w, "not a party to this order", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(o)
}
