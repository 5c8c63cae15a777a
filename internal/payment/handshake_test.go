package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/locks"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeRooms struct {
	mu        sync.Mutex
	broadcast []any
	closed    []string
}

func (f *fakeRooms) Broadcast(orderID string, payload any) {
	f.mu.Lock()
	f.broadcast = append(f.broadcast, payload)
	f.mu.Unlock()
}

func (f *fakeRooms) Close(orderID string) {
	f.mu.Lock()
	f.closed = append(f.closed, orderID)
	f.mu.Unlock()
}

type fakeCharger struct {
	captureErr error
	captured   []string
	cancelled  []string
}

func (f *fakeCharger) Capture(ctx context.Context, id string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeCharger) CancelHold(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func setup(t *testing.T) (*Service, *storage.MemoryStore, *fakeRooms, *fakeCharger) {
	t.Helper()
	store := storage.NewMemoryStore()
	rooms := &fakeRooms{}
	charger := &fakeCharger{}
	svc := New(slog.Default(), locks.NewKeyed(), store, rooms, charger)
	return svc, store, rooms, charger
}

func completedOrder(t *testing.T, store *storage.MemoryStore, id string, method models.PaymentMethod, driverConfirmed bool) {
	t.Helper()
	o := &models.Order{
		ID: id, Status: models.StatusCompleted, DriverID: "d1",
		ClientToken: "tok-" + id, PaymentMethod: method, AmountCents: 1500, Currency: "usd",
		DriverConfirmed: driverConfirmed,
	}
	if method == models.PaymentCard {
		o.PaymentIntent = "pi_" + id
	}
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func TestCardHandshakeFinalizesOnce(t *testing.T) {
	svc, store, rooms, charger := setup(t)
	completedOrder(t, store, "o1", models.PaymentCard, false)
	ctx := context.Background()

	o, err := svc.Confirm(ctx, "o1", models.RoleDriver, "d1", true)
	if err != nil {
		t.Fatal(err)
	}
	if o.FinalizedAt != nil {
		t.Fatal("payment must stay unfinalized with only the driver confirmed")
	}

	o, err = svc.Confirm(ctx, "o1", models.RoleClient, "tok-o1", true)
	if err != nil {
		t.Fatal(err)
	}
	if o.FinalizedAt == nil {
		t.Fatal("payment must finalize once both parties confirmed")
	}
	if len(charger.captured) != 1 || charger.captured[0] != "pi_o1" {
		t.Fatalf("expected exactly one capture, got %v", charger.captured)
	}
	if len(rooms.closed) != 1 {
		t.Fatal("room must close after finalization")
	}

	// a third confirm fails closed
	if _, err := svc.Confirm(ctx, "o1", models.RoleClient, "tok-o1", true); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
}

func TestConfirmOnNonCompletedFailsClosed(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()
	_ = store.Create(ctx, &models.Order{ID: "o1", Status: models.StatusInProgress, DriverID: "d1", ClientToken: "tok"})

	if _, err := svc.Confirm(ctx, "o1", models.RoleDriver, "d1", true); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
	o, _ := store.Get(ctx, "o1")
	if o.DriverConfirmed {
		t.Fatal("failed confirm must not mutate flags")
	}
}

func TestConfirmWithStaleTokenFailsClosed(t *testing.T) {
	svc, store, _, _ := setup(t)
	completedOrder(t, store, "o1", models.PaymentCard, false)

	if _, err := svc.Confirm(context.Background(), "o1", models.RoleClient, "stale", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCashNeedsOnlyClientConfirmation(t *testing.T) {
	// cash rides arrive at the handshake with the driver flag already set
	svc, store, _, charger := setup(t)
	completedOrder(t, store, "o1", models.PaymentCash, true)

	o, err := svc.Confirm(context.Background(), "o1", models.RoleClient, "tok-o1", true)
	if err != nil {
		t.Fatal(err)
	}
	if o.FinalizedAt == nil {
		t.Fatal("cash payment must finalize on client confirmation alone")
	}
	if len(charger.captured) != 0 {
		t.Fatal("cash finalization must not touch the gateway")
	}
}

func TestCaptureFailureKeepsHandshakeOpen(t *testing.T) {
	svc, store, _, charger := setup(t)
	completedOrder(t, store, "o1", models.PaymentCard, true)
	charger.captureErr = errors.New("card declined")
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, "o1", models.RoleClient, "tok-o1", true); !errors.Is(err, ErrChargeFailed) {
		t.Fatalf("expected ErrChargeFailed, got %v", err)
	}
	o, _ := store.Get(ctx, "o1")
	if o.FinalizedAt != nil {
		t.Fatal("failed capture must not finalize payment")
	}
	if !o.ClientConfirmed {
		t.Fatal("flags should persist so a retry only needs the capture")
	}

	// gateway recovers, client retries the confirmation
	charger.captureErr = nil
	o, err := svc.Confirm(ctx, "o1", models.RoleClient, "tok-o1", true)
	if err != nil {
		t.Fatal(err)
	}
	if o.FinalizedAt == nil {
		t.Fatal("payment must finalize after successful retry")
	}
}

func TestRetryPayment(t *testing.T) {
	svc, store, rooms, _ := setup(t)
	completedOrder(t, store, "o1", models.PaymentCard, false)
	ctx := context.Background()

	if err := svc.RetryPayment(ctx, "o1", "tok-o1"); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range rooms.broadcast {
		if ev, ok := p.(protocol.PaymentRetry); ok && ev.AmountCents == 1500 {
			found = true
		}
	}
	if !found {
		t.Fatal("retry readiness not broadcast")
	}
	o, _ := store.Get(ctx, "o1")
	if o.DriverConfirmed || o.ClientConfirmed {
		t.Fatal("retry must not mutate confirmation flags")
	}

	if err := svc.RetryPayment(ctx, "o1", "bad-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSwitchToCashMidHandshake(t *testing.T) {
	svc, store, rooms, charger := setup(t)
	completedOrder(t, store, "o1", models.PaymentCard, false)
	ctx := context.Background()

	o, err := svc.SwitchToCash(ctx, "o1", "tok-o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.PaymentMethod != models.PaymentCash {
		t.Fatalf("expected cash, got %s", o.PaymentMethod)
	}
	if !o.DriverConfirmed {
		t.Fatal("switch must re-evaluate the driver confirmation for cash")
	}
	if o.FinalizedAt != nil {
		t.Fatal("client has not confirmed; payment must stay open")
	}
	if len(charger.cancelled) != 1 {
		t.Fatal("card hold must be released on switch")
	}
	found := false
	for _, p := range rooms.broadcast {
		if ev, ok := p.(protocol.PaymentSwitched); ok && ev.PaymentMethod == models.PaymentCash && ev.AmountCents == 1500 {
			found = true
		}
	}
	if !found {
		t.Fatal("both parties must see the new method and amount")
	}

	// second switch rejected: no longer a card order
	if _, err := svc.SwitchToCash(ctx, "o1", "tok-o1"); !errors.Is(err, ErrNotCard) {
		t.Fatalf("expected ErrNotCard, got %v", err)
	}
}

// stallingRooms blocks the first Broadcast until released, standing in for a
// slow room connection.
type stallingRooms struct {
	fakeRooms
	entered chan struct{}
	release chan struct{}
	first   int32
}

func (s *stallingRooms) Broadcast(orderID string, payload any) {
	s.fakeRooms.Broadcast(orderID, payload)
	if atomic.CompareAndSwapInt32(&s.first, 0, 1) {
		close(s.entered)
		<-s.release
	}
}

func TestConfirmDeliveryDoesNotHoldOrderLock(t *testing.T) {
	store := storage.NewMemoryStore()
	rooms := &stallingRooms{entered: make(chan struct{}), release: make(chan struct{})}
	svc := New(slog.Default(), locks.NewKeyed(), store, rooms, &fakeCharger{})
	completedOrder(t, store, "o1", models.PaymentCard, false)
	ctx := context.Background()

	go func() {
		_, _ = svc.Confirm(ctx, "o1", models.RoleDriver, "d1", true)
	}()
	<-rooms.entered
	defer close(rooms.release)

	// the driver's confirmation is persisted but its broadcast is stalled; the
	// client's retry on the same order must not wait behind the delivery
	done := make(chan error, 1)
	go func() { done <- svc.RetryPayment(ctx, "o1", "tok-o1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled broadcast pinned the order's critical section")
	}
}

func TestSwitchToCashFinalizesWhenClientAlreadyConfirmed(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()
	_ = store.Create(ctx, &models.Order{
		ID: "o1", Status: models.StatusCompleted, DriverID: "d1", ClientToken: "tok",
		PaymentMethod: models.PaymentCard, PaymentIntent: "pi_1", ClientConfirmed: true,
	})

	o, err := svc.SwitchToCash(ctx, "o1", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if o.FinalizedAt == nil {
		t.Fatal("switch with client already confirmed must finalize")
	}
}
