// Package dispatch is the notification gateway: it owns the rider/booth ⇄
// transport mapping and delivers structured events best-effort. Delivery
// never blocks a state transition and a missing transport is not an error
// condition for the caller, only a missed-notification log.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/booth-dispatch/internal/models"
	"github.com/example/booth-dispatch/internal/observability"
)

// ErrNoSession means the target has no attached transport.
var ErrNoSession = errors.New("no attached transport")

// Session is one live transport attachment, regardless of kind.
type Session interface {
	Send(ev models.Event) error
	Close() error
}

// Registry maps rider ids and booth ids to their current session. Sessions
// are looked up, never iterated, on delivery; a reconnect replaces the
// previous session (last writer wins).
type Registry struct {
	mu        sync.RWMutex
	riders    map[string]Session
	booths    map[string]Session
	observers map[Session]struct{}
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		riders:    make(map[string]Session),
		booths:    make(map[string]Session),
		observers: make(map[Session]struct{}),
		logger:    logger,
	}
}

func (r *Registry) AddRider(riderID string, s Session) {
	r.mu.Lock()
	old := r.riders[riderID]
	r.riders[riderID] = s
	r.mu.Unlock()
	if old != nil && old != s {
		_ = old.Close()
	}
	observability.RidersOnline.Inc()
}

// RemoveRider detaches the session, but only if it is still the current one;
// a stale disconnect must not tear down a newer connection.
func (r *Registry) RemoveRider(riderID string, s Session) {
	r.mu.Lock()
	if cur, ok := r.riders[riderID]; ok && cur == s {
		delete(r.riders, riderID)
		observability.RidersOnline.Dec()
	}
	r.mu.Unlock()
}

func (r *Registry) AddBooth(boothID string, s Session) {
	r.mu.Lock()
	old := r.booths[boothID]
	r.booths[boothID] = s
	r.mu.Unlock()
	if old != nil && old != s {
		_ = old.Close()
	}
}

func (r *Registry) RemoveBooth(boothID string, s Session) {
	r.mu.Lock()
	if cur, ok := r.booths[boothID]; ok && cur == s {
		delete(r.booths, boothID)
	}
	r.mu.Unlock()
}

func (r *Registry) AddObserver(s Session) {
	r.mu.Lock()
	r.observers[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) RemoveObserver(s Session) {
	r.mu.Lock()
	delete(r.observers, s)
	r.mu.Unlock()
}

// Deliver pushes an event to the rider's current transport.
func (r *Registry) Deliver(riderID string, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.riders[riderID]
	r.mu.RUnlock()
	if !ok {
		observability.DeliveryMisses.Inc()
		r.logger.Warn("rider has no transport", "rider_id", riderID, "event", ev.Type)
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		r.logger.Warn("rider delivery failed", "rider_id", riderID, "event", ev.Type, "error", err)
		return err
	}
	return nil
}

// BoothStatus pushes a status update to the booth device and mirrors it to
// the observer feed.
func (r *Registry) BoothStatus(boothID string, st models.BoothStatus) {
	ev := models.Event{Type: models.EventBoothStatus, Payload: st}

	r.mu.RLock()
	s, ok := r.booths[boothID]
	r.mu.RUnlock()
	if ok {
		if err := s.Send(ev); err != nil {
			r.logger.Warn("booth delivery failed", "booth_id", boothID, "error", err)
		}
	} else {
		observability.DeliveryMisses.Inc()
	}

	r.Broadcast(ev)
}

// Broadcast fans an event out to every observer session.
func (r *Registry) Broadcast(ev models.Event) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.observers))
	for s := range r.observers {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(ev); err != nil {
			r.logger.Debug("observer send failed", "error", err)
		}
	}
}
