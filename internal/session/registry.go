// Package session owns live driver connections. A session's online flag is
// toggled explicitly by the driver app and is independent of raw connection
// liveness: a connected driver can still be off shift.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrNoSession is returned when a session or driver connection is unknown.
// Lookups of unknown sessions are reported to the caller, never fatal here.
var ErrNoSession = errors.New("no driver session")

// Conn is the subset of *websocket.Conn the registry writes through.
// Narrowed to an interface so tests can use in-memory fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// RetryPolicy bounds delivery attempts. A send that exhausts its attempts is
// an observable failure (metric + error), never an assumed success.
type RetryPolicy struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

type Session struct {
	ID       string
	DriverID string
	Name     string

	mu      sync.Mutex
	conn    Conn
	online  bool
	lastPos *models.Position
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Session) LastPosition() *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPos == nil {
		return nil
	}
	p := *s.lastPos
	return &p
}

func (s *Session) RecordPosition(p models.Position) {
	s.mu.Lock()
	s.lastPos = &p
	s.mu.Unlock()
}

func (s *Session) write(payload any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteJSON(payload)
}

// Registry tracks driver sessions for one server instance. It is constructed
// at startup and torn down with it; there is no package-level state.
type Registry struct {
	logger *slog.Logger
	retry  RetryPolicy

	mu       sync.RWMutex
	byID     map[string]*Session
	byDriver map[string]*Session

	onOnline func(driverID string)
}

func NewRegistry(logger *slog.Logger, retry RetryPolicy) *Registry {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	if retry.Timeout <= 0 {
		retry.Timeout = 5 * time.Second
	}
	return &Registry{
		logger:   logger,
		retry:    retry,
		byID:     make(map[string]*Session),
		byDriver: make(map[string]*Session),
	}
}

// OnDriverOnline registers the hook fired when a driver flips to online.
// The broadcaster uses it to rebroadcast the pending pool.
func (r *Registry) OnDriverOnline(fn func(driverID string)) {
	r.onOnline = fn
}

// Join creates a session for the driver. A previous connection for the same
// driver is closed and superseded.
func (r *Registry) Join(driverID, name string, conn Conn) *Session {
	s := &Session{ID: uuid.NewString(), DriverID: driverID, Name: name, conn: conn}

	r.mu.Lock()
	if old, ok := r.byDriver[driverID]; ok {
		_ = old.conn.Close()
		delete(r.byID, old.ID)
		// the superseded session's Remove will no longer find it
		observability.DriverConnections.Dec()
	}
	r.byID[s.ID] = s
	r.byDriver[driverID] = s
	r.mu.Unlock()

	observability.DriverConnections.Inc()
	r.logger.Info("driver joined", "driver_id", driverID, "session_id", s.ID)
	return s
}

func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// SetOnline toggles dispatch eligibility for the session's driver.
func (r *Registry) SetOnline(sessionID string, online bool) error {
	r.mu.RLock()
	s, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}

	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online && !wasOnline && r.onOnline != nil {
		r.onOnline(s.DriverID)
	}
	return nil
}

// Remove destroys the session, typically on disconnect.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if cur, found := r.byDriver[s.DriverID]; found && cur.ID == sessionID {
			delete(r.byDriver, s.DriverID)
		}
	}
	r.mu.Unlock()
	if ok {
		observability.DriverConnections.Dec()
		r.logger.Info("driver session removed", "driver_id", s.DriverID, "session_id", sessionID)
	}
}

// OnlineDriverIDs returns the drivers currently eligible for dispatch.
func (r *Registry) OnlineDriverIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byDriver))
	for id, s := range r.byDriver {
		if s.Online() {
			out = append(out, id)
		}
	}
	return out
}

// DriverName returns the connected driver's display name, or empty.
func (r *Registry) DriverName(driverID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byDriver[driverID]; ok {
		return s.Name
	}
	return ""
}

// Send delivers a payload to the driver's live connection with bounded
// retries and backoff.
func (r *Registry) Send(driverID string, payload any) error {
	r.mu.RLock()
	s, ok := r.byDriver[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}

	var err error
	backoff := r.retry.Backoff
	for i := 0; i < r.retry.Attempts; i++ {
		if err = s.write(payload, r.retry.Timeout); err == nil {
			return nil
		}
		if i < r.retry.Attempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	observability.DeliveryFailures.Inc()
	r.logger.Warn("driver delivery failed", "driver_id", driverID, "error", err)
	return err
}
