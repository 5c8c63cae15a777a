package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned for unknown order ids.
var ErrNotFound = errors.New("order not found")

// ErrConflict is returned when a status-guarded update observes a different
// current status. Callers treat it as a lost race, not a failure.
var ErrConflict = errors.New("order status conflict")

// OrderStore defines persistence operations for orders. UpdateStatus is the
// compare-and-swap primitive every state transition goes through: it applies
// from -> to (plus the extra mutation) only if the order is still in from.
// Update persists non-transition mutations and is likewise guarded: it fails
// with ErrConflict when the stored status has moved or payment has already
// finalized under it.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	Update(ctx context.Context, o *models.Order) error
	UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, apply func(*models.Order)) (*models.Order, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != o.Status || cur.FinalizedAt != nil {
		return ErrConflict
	}
	c := o.Clone()
	c.UpdatedAt = time.Now()
	m.orders[o.ID] = c
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, apply func(*models.Order)) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != from {
		return nil, ErrConflict
	}
	now := time.Now()
	o.Status = to
	o.UpdatedAt = now
	o.Timeline = append(o.Timeline, models.StatusChange{Status: to, At: now})
	if apply != nil {
		apply(o)
	}
	return o.Clone(), nil
}
