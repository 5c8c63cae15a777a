package arbiter

import (
	"context"
	"errors"
	"fmt"
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

type fakeDrivers struct {
	mu   sync.Mutex
	sent map[string][]any
}

func newFakeDrivers() *fakeDrivers { return &fakeDrivers{sent: make(map[string][]any)} }

func (f *fakeDrivers) Send(driverID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[driverID] = append(f.sent[driverID], payload)
	return nil
}

func (f *fakeDrivers) DriverName(driverID string) string { return "driver " + driverID }

func (f *fakeDrivers) taken(driverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sent[driverID] {
		if _, ok := p.(protocol.OrderTaken); ok {
			n++
		}
	}
	return n
}

type fakeRooms struct {
	mu       sync.Mutex
	driverID string
	toClient []any
	closed   bool
}

func (f *fakeRooms) AttachDriver(orderID, driverID string) {
	f.mu.Lock()
	f.driverID = driverID
	f.mu.Unlock()
}

func (f *fakeRooms) SendToClient(orderID string, payload any) error {
	f.mu.Lock()
	f.toClient = append(f.toClient, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeRooms) Close(orderID string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type fakeTimers struct {
	mu       sync.Mutex
	claimed  []string
	declined map[string][]string
}

func newFakeTimers() *fakeTimers { return &fakeTimers{declined: make(map[string][]string)} }

func (f *fakeTimers) OrderClaimed(orderID, winnerID string) {
	f.mu.Lock()
	f.claimed = append(f.claimed, winnerID)
	f.mu.Unlock()
}

func (f *fakeTimers) MarkDeclined(orderID, driverID string) {
	f.mu.Lock()
	f.declined[orderID] = append(f.declined[orderID], driverID)
	f.mu.Unlock()
}

func setup(t *testing.T) (*Arbiter, *storage.MemoryStore, *fakeDrivers, *fakeRooms, *fakeTimers) {
	t.Helper()
	store := storage.NewMemoryStore()
	drivers := newFakeDrivers()
	rooms := &fakeRooms{}
	timers := newFakeTimers()
	a := New(slog.Default(), locks.NewKeyed(), store, drivers, rooms, timers)
	return a, store, drivers, rooms, timers
}

func pendingOrder(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	if err := store.Create(context.Background(), &models.Order{
		ID: id, Status: models.StatusPending, ClientToken: "tok-" + id, PaymentMethod: models.PaymentCard,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentAcceptsExactlyOneWinner(t *testing.T) {
	a, store, drivers, rooms, timers := setup(t)
	pendingOrder(t, store, "o1")
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	losses := make(chan string, n)
	for i := 0; i < n; i++ {
		driverID := fmt.Sprintf("d%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Accept(ctx, "o1", driverID)
			switch {
			case err == nil:
				wins <- driverID
			case errors.Is(err, ErrAlreadyTaken):
				losses <- driverID
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	close(losses)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	lost := 0
	for l := range losses {
		lost++
		if drivers.taken(l) == 0 {
			t.Fatalf("losing driver %s did not receive order:taken", l)
		}
	}
	if lost != n-1 {
		t.Fatalf("expected %d losers, got %d", n-1, lost)
	}

	o, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.StatusAssigned || o.DriverID != winners[0] {
		t.Fatalf("order not assigned to winner: %+v", o)
	}
	if rooms.driverID != winners[0] {
		t.Fatalf("room driver %q, want %q", rooms.driverID, winners[0])
	}
	if len(timers.claimed) != 1 || timers.claimed[0] != winners[0] {
		t.Fatalf("timer claim not recorded for winner: %v", timers.claimed)
	}
}

func TestAcceptUnknownOrder(t *testing.T) {
	a, _, _, _, _ := setup(t)
	if _, err := a.Accept(context.Background(), "missing", "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeclineNeverMutatesOrder(t *testing.T) {
	a, store, _, _, timers := setup(t)
	pendingOrder(t, store, "o1")

	a.Decline(context.Background(), "o1", "d1")

	o, _ := store.Get(context.Background(), "o1")
	if o.Status != models.StatusPending {
		t.Fatalf("decline mutated status to %s", o.Status)
	}
	if got := timers.declined["o1"]; len(got) != 1 || got[0] != "d1" {
		t.Fatalf("decline not recorded: %v", timers.declined)
	}
}

func TestExpireCancelsPendingAndNotifiesClient(t *testing.T) {
	a, store, _, rooms, _ := setup(t)
	pendingOrder(t, store, "o1")
	ctx := context.Background()

	if err := a.Expire(ctx, "o1", "no driver available"); err != nil {
		t.Fatal(err)
	}
	o, _ := store.Get(ctx, "o1")
	if o.Status != models.StatusCancelled || o.CancelReason != "no driver available" || o.CancelledBy != models.RoleSystem {
		t.Fatalf("unexpected order after expiry: %+v", o)
	}
	found := false
	for _, p := range rooms.toClient {
		if ev, ok := p.(protocol.OrderExpired); ok && ev.OrderID == "o1" {
			found = true
		}
	}
	if !found {
		t.Fatal("client was not notified of expiry")
	}
	if !rooms.closed {
		t.Fatal("room was not closed on expiry")
	}
}

func TestExpireAfterAcceptIsNoop(t *testing.T) {
	a, store, _, _, _ := setup(t)
	pendingOrder(t, store, "o1")
	ctx := context.Background()

	if _, err := a.Accept(ctx, "o1", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Expire(ctx, "o1", "no driver available"); err != nil {
		t.Fatalf("expire after accept must be a no-op, got %v", err)
	}
	o, _ := store.Get(ctx, "o1")
	if o.Status != models.StatusAssigned {
		t.Fatalf("expiry fired after accept: %+v", o)
	}
}

func TestAcceptAfterExpiryLoses(t *testing.T) {
	a, store, _, _, _ := setup(t)
	pendingOrder(t, store, "o1")
	ctx := context.Background()

	if err := a.Expire(ctx, "o1", "no driver available"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Accept(ctx, "o1", "d1"); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken after expiry, got %v", err)
	}
}

// stallingDrivers blocks the winner's order:accepted delivery until released,
// standing in for a slow driver connection.
type stallingDrivers struct {
	*fakeDrivers
	entered chan struct{}
	release chan struct{}
	first   int32
}

func (s *stallingDrivers) Send(driverID string, payload any) error {
	err := s.fakeDrivers.Send(driverID, payload)
	if _, ok := payload.(protocol.OrderAccepted); ok && atomic.CompareAndSwapInt32(&s.first, 0, 1) {
		close(s.entered)
		<-s.release
	}
	return err
}

func TestWinnerDeliveryDoesNotHoldOrderLock(t *testing.T) {
	store := storage.NewMemoryStore()
	drivers := &stallingDrivers{fakeDrivers: newFakeDrivers(), entered: make(chan struct{}), release: make(chan struct{})}
	a := New(slog.Default(), locks.NewKeyed(), store, drivers, &fakeRooms{}, newFakeTimers())
	pendingOrder(t, store, "o1")
	ctx := context.Background()

	go func() {
		_, _ = a.Accept(ctx, "o1", "d1")
	}()
	<-drivers.entered
	defer close(drivers.release)

	// the claim is committed but its delivery is stalled; an expiry firing on
	// the same order must observe the claim and return, not wait behind it
	done := make(chan error, 1)
	go func() { done <- a.Expire(ctx, "o1", "offer window elapsed") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expire returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled winner delivery pinned the order's critical section")
	}

	o, _ := store.Get(ctx, "o1")
	if o.Status != models.StatusAssigned || o.DriverID != "d1" {
		t.Fatalf("expiry disturbed the committed claim: %+v", o)
	}
}

func TestAcceptsOnDifferentOrdersAreIndependent(t *testing.T) {
	a, store, _, _, _ := setup(t)
	pendingOrder(t, store, "o1")
	pendingOrder(t, store, "o2")
	ctx := context.Background()

	if _, err := a.Accept(ctx, "o1", "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Accept(ctx, "o2", "d2"); err != nil {
		t.Fatal(err)
	}
	o1, _ := store.Get(ctx, "o1")
	o2, _ := store.Get(ctx, "o2")
	if o1.DriverID != "d1" || o2.DriverID != "d2" {
		t.Fatalf("cross-order interference: %s %s", o1.DriverID, o2.DriverID)
	}
}
