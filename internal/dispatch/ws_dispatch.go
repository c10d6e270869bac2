package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DriversGroup holds every connected driver session.
const DriversGroup = "drivers"

// RideGroup is the channel shared by the rider and driver of an assigned ride.
func RideGroup(rideID string) string { return "ride:" + rideID }

// PresenceListener is told about session lifecycle and inbound pings.
type PresenceListener interface {
	SessionOpened(ctx context.Context, id models.Identity, first bool)
	SessionClosed(ctx context.Context, id models.Identity, last bool)
	Location(ctx context.Context, id models.Identity, p models.Point, at time.Time)
}

type sessionSet map[*WSSession]struct{}

// WSRegistry tracks live sessions per user and per group. A user may hold
// several sessions (devices); every send reaches all of them.
type WSRegistry struct {
	mu       sync.RWMutex
	users    map[string]sessionSet
	groups   map[string]sessionSet
	bindings map[string]string // user id -> ride id
	listener PresenceListener
	bufSize  int
	log      *slog.Logger
	now      func() time.Time
}

func NewWSRegistry(bufSize int, log *slog.Logger) *WSRegistry {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &WSRegistry{
		users:    make(map[string]sessionSet),
		groups:   make(map[string]sessionSet),
		bindings: make(map[string]string),
		bufSize:  bufSize,
		log:      logging.OrDefault(log),
		now:      time.Now,
	}
}

// SetListener must be called before sessions are served.
func (r *WSRegistry) SetListener(l PresenceListener) { r.listener = l }

func (r *WSRegistry) join(group string, s *WSSession) {
	set, ok := r.groups[group]
	if !ok {
		set = make(sessionSet)
		r.groups[group] = set
	}
	set[s] = struct{}{}
	s.groups[group] = struct{}{}
}

func (r *WSRegistry) leave(group string, s *WSSession) {
	if set, ok := r.groups[group]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.groups, group)
		}
	}
	delete(s.groups, group)
}

// Add registers a session in its personal channel, the drivers group for
// drivers, and the ride channel the user is bound to. It reports whether this
// is the user's first live session.
func (r *WSRegistry) Add(s *WSSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[s.Identity.UserID]
	if !ok {
		set = make(sessionSet)
		r.users[s.Identity.UserID] = set
	}
	first := len(set) == 0
	set[s] = struct{}{}
	if s.Identity.Role == models.RoleDriver {
		r.join(DriversGroup, s)
		if first {
			observability.DriversOnline.Inc()
		}
	}
	if rideID, ok := r.bindings[s.Identity.UserID]; ok {
		r.join(RideGroup(rideID), s)
	}
	observability.RealtimeSessions.Inc()
	return first
}

// Remove drops a session from every channel and reports whether it was the
// user's last one.
func (r *WSRegistry) Remove(s *WSSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.users[s.Identity.UserID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	for g := range s.groups {
		r.leave(g, s)
	}
	last := len(set) == 0
	if last {
		delete(r.users, s.Identity.UserID)
		if s.Identity.Role == models.RoleDriver {
			observability.DriversOnline.Dec()
		}
	}
	observability.RealtimeSessions.Dec()
	return last
}

// Connected reports whether userID has at least one live session.
func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// AttachRide binds users to the ride channel; their current and future
// sessions join it until DetachRide.
func (r *WSRegistry) AttachRide(rideID string, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := RideGroup(rideID)
	for _, u := range userIDs {
		if u == "" {
			continue
		}
		r.bindings[u] = rideID
		for s := range r.users[u] {
			r.join(group, s)
		}
	}
}

// DetachRide dissolves the ride channel.
func (r *WSRegistry) DetachRide(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := RideGroup(rideID)
	for s := range r.groups[group] {
		r.leave(group, s)
	}
	for u, id := range r.bindings {
		if id == rideID {
			delete(r.bindings, u)
		}
	}
}

// RideOf returns the ride userID is bound to, if any.
func (r *WSRegistry) RideOf(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[userID]
}

func (r *WSRegistry) frame(event models.EventName, data any) ([]byte, error) {
	return json.Marshal(models.Envelope{Event: event, Data: data, SentAt: r.now().UTC()})
}

// SendToUsers delivers one event to every session of each listed user, once
// per user. It returns the number of sessions reached.
func (r *WSRegistry) SendToUsers(event models.EventName, data any, userIDs ...string) int {
	b, err := r.frame(event, data)
	if err != nil {
		r.log.Error("encode event", "event", event, "err", err)
		return 0
	}
	r.mu.RLock()
	targets := make([]*WSSession, 0)
	seen := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		for s := range r.users[u] {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()
	return r.deliver(event, b, targets)
}

// SendToGroup delivers an event to every session in group except those of
// skipUser.
func (r *WSRegistry) SendToGroup(group string, event models.EventName, data any, skipUser string) int {
	b, err := r.frame(event, data)
	if err != nil {
		r.log.Error("encode event", "event", event, "err", err)
		return 0
	}
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.groups[group]))
	for s := range r.groups[group] {
		if skipUser != "" && s.Identity.UserID == skipUser {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	return r.deliver(event, b, targets)
}

func (r *WSRegistry) deliver(event models.EventName, b []byte, targets []*WSSession) int {
	n := 0
	for _, s := range targets {
		if s.enqueue(b) {
			n++
			observability.NotificationsSent.WithLabelValues(string(event)).Inc()
		} else {
			observability.NotificationsDropped.WithLabelValues(string(event)).Inc()
			r.log.Warn("session buffer full, dropping event",
				"event", event, "user_id", s.Identity.UserID, "session_id", s.ID)
		}
	}
	return n
}
