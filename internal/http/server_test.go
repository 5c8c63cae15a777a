package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/locks"
	"github.com/example/ride-dispatch/internal/payment"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/room"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *dispatch.Broadcaster) {
	t.Helper()
	logger := slog.Default()
	store := storage.NewMemoryStore()
	retry := session.RetryPolicy{Attempts: 1, Timeout: time.Second}
	registry := session.NewRegistry(logger, retry)
	rooms := room.NewHub(logger, registry, retry)
	broadcaster := dispatch.NewBroadcaster(logger, registry, time.Minute)
	orderLocks := locks.NewKeyed()

	arb := arbiter.New(logger, orderLocks, store, registry, rooms, broadcaster)
	broadcaster.SetExpirer(arb)
	rides := lifecycle.New(logger, orderLocks, store, rooms, registry, broadcaster, nil)
	payments := payment.New(logger, orderLocks, store, rooms, nil)
	positions := relay.New(logger, store, rooms, registry, nil)

	s := NewServer(Deps{
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		Rooms:       rooms,
		Broadcaster: broadcaster,
		Arbiter:     arb,
		Lifecycle:   rides,
		Payment:     payments,
		Relay:       positions,
	})
	return s, store, broadcaster
}

func TestCreateOrder(t *testing.T) {
	s, store, broadcaster := newTestServer(t)

	body := `{"pickup":{"lat":1,"lng":2},"dropoff":{"lat":3,"lng":4},"payment_method":"cash","amount_cents":1500}`
	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createOrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Order.ID == "" || resp.ClientToken == "" {
		t.Fatalf("missing id or token in response: %+v", resp)
	}
	if resp.Order.Status != "pending" {
		t.Fatalf("expected pending, got %s", resp.Order.Status)
	}

	stored, err := store.Get(req.Context(), resp.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ClientToken != resp.ClientToken {
		t.Fatal("stored token must match the issued one")
	}
	if broadcaster.PendingCount() != 1 {
		t.Fatalf("order must enter the pending pool, count=%d", broadcaster.PendingCount())
	}
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	s, _, _ := newTestServer(t)

	for name, body := range map[string]string{
		"bad method":  `{"payment_method":"check","amount_cents":100}`,
		"zero amount": `{"payment_method":"cash","amount_cents":0}`,
		"not json":    `{`,
	} {
		req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != 400 {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestGetOrderRequiresCapability(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := `{"pickup":{"lat":1,"lng":2},"dropoff":{"lat":3,"lng":4},"payment_method":"cash","amount_cents":1500}`
	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var resp createOrderResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	cases := []struct {
		name string
		url  string
		code int
	}{
		{"with token", "/api/v1/orders/" + resp.Order.ID + "?token=" + resp.ClientToken, 200},
		{"wrong token", "/api/v1/orders/" + resp.Order.ID + "?token=nope", 403},
		{"no credential", "/api/v1/orders/" + resp.Order.ID, 403},
		{"unassigned driver", "/api/v1/orders/" + resp.Order.ID + "?driver_id=d1", 403},
		{"unknown order", "/api/v1/orders/missing?token=x", 404},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", tc.url, nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.code, rec.Code)
		}
	}
}

func TestGetOrderNeverLeaksClientToken(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := `{"pickup":{"lat":1,"lng":2},"dropoff":{"lat":3,"lng":4},"payment_method":"cash","amount_cents":1500}`
	req := httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var resp createOrderResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)

	get := httptest.NewRequest("GET", "/api/v1/orders/"+resp.Order.ID+"?token="+resp.ClientToken, nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, get)

	if strings.Contains(getRec.Body.String(), resp.ClientToken) {
		t.Fatal("order snapshot must not expose the client token")
	}
}
