package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound   = errors.New("ride not found")
	ErrActiveRide = errors.New("rider already has an active ride")
	ErrDuplicate  = errors.New("ride already exists")
	ErrDriverBusy = errors.New("driver already has an active ride")
)

// Transition is a conditional status change. A store applies it atomically:
// the ride must currently be in one of From and, when RequireDriver is set,
// be assigned to that driver.
type Transition struct {
	From          []models.Status
	To            models.Status
	DriverID      string // assigned on accept
	RequireDriver string
	Actor         string
	Reason        string
	At            time.Time
}

// TripStore defines persistence operations for rides. It is the only mutator
// of ride status.
type TripStore interface {
	// Create persists a new ride. It fails with ErrActiveRide when the rider
	// already has a ride in an active status.
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// CompareAndSwap applies t and returns the updated ride and true, or the
	// current ride and false when the precondition does not hold. An accept
	// fails with ErrDriverBusy while the driver holds another accepted or
	// ongoing ride.
	CompareAndSwap(ctx context.Context, id string, t Transition) (*models.Ride, bool, error)
	// RecordOffer starts offer round+1 for a requested ride still at round.
	RecordOffer(ctx context.Context, id string, round int, driverIDs []string, at time.Time) (*models.Ride, bool, error)
	// AppendDecline records a decline while the ride is still requested.
	AppendDecline(ctx context.Context, id string, d models.Decline) (*models.Ride, bool, error)
	// ListByUser returns the rides where userID is rider or driver, newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.Ride, error)
	// ActiveByUser returns the user's active ride or nil.
	ActiveByUser(ctx context.Context, userID string) (*models.Ride, error)
	// ListStaleOffers returns requested rides whose current offer started before before.
	ListStaleOffers(ctx context.Context, before time.Time, limit int) ([]*models.Ride, error)
}

// Applies reports whether t's precondition holds for r.
func (t Transition) Applies(r *models.Ride) bool {
	if !slices.Contains(t.From, r.Status) {
		return false
	}
	return t.RequireDriver == "" || r.DriverID == t.RequireDriver
}

// Apply mutates r as the transition prescribes. Callers check Applies first.
func (t Transition) Apply(r *models.Ride) {
	at := t.At
	r.Status = t.To
	r.UpdatedAt = at
	switch t.To {
	case models.StatusAccepted:
		r.DriverID = t.DriverID
		r.AcceptedAt = &at
	case models.StatusOngoing:
		r.StartedAt = &at
	case models.StatusCompleted:
		r.CompletedAt = &at
	case models.StatusCancelled:
		if r.DriverID != "" {
			r.PriorDriverID = r.DriverID
		}
		r.DriverID = ""
		r.CancelledBy = t.Actor
		r.CancelReason = t.Reason
		r.CancelledAt = &at
	case models.StatusDeclined:
		r.DriverID = ""
		r.DeclineReason = t.Reason
		r.Declines = append(r.Declines, models.Decline{DriverID: t.Actor, Reason: t.Reason, At: at})
	}
}

type slot struct {
	mu   sync.Mutex
	ride *models.Ride
}

// MemoryStore keeps rides in process. Each ride has its own lock so
// transitions on unrelated rides never serialize.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*slot
	active  map[string]string // rider id -> ride id
	drivers map[string]string // driver id -> last accepted ride id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*slot),
		active:  make(map[string]string),
		drivers: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	if id, ok := m.active[r.RiderID]; ok {
		if s, ok := m.rides[id]; ok {
			s.mu.Lock()
			busy := s.ride.Status.Active()
			s.mu.Unlock()
			if busy {
				return ErrActiveRide
			}
		}
	}
	m.rides[r.ID] = &slot{ride: r.Clone()}
	m.active[r.RiderID] = r.ID
	return nil
}

func (m *MemoryStore) slot(id string) (*slot, error) {
	m.mu.RLock()
	s, ok := m.rides[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	s, err := m.slot(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ride.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, t Transition) (*models.Ride, bool, error) {
	if t.To != models.StatusAccepted {
		return m.mutate(id, t.Applies, t.Apply)
	}
	// Accepts hold the store lock so two rides cannot be assigned to one
	// driver at once.
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rides[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if other, ok := m.drivers[t.DriverID]; ok && other != id {
		o := m.rides[other]
		o.mu.Lock()
		busy := o.ride.DriverID == t.DriverID && isAssigned(o.ride.Status)
		o.mu.Unlock()
		if busy {
			return nil, false, ErrDriverBusy
		}
	}
	r, changed := s.apply(t.Applies, t.Apply)
	if changed {
		m.drivers[t.DriverID] = id
	}
	return r, changed, nil
}

func isAssigned(s models.Status) bool {
	return s == models.StatusAccepted || s == models.StatusOngoing
}

func (m *MemoryStore) RecordOffer(_ context.Context, id string, round int, driverIDs []string, at time.Time) (*models.Ride, bool, error) {
	cond := func(r *models.Ride) bool {
		return r.Status == models.StatusRequested && r.OfferRound == round
	}
	return m.mutate(id, cond, func(r *models.Ride) {
		r.OfferRound = round + 1
		r.OfferedAt = &at
		r.UpdatedAt = at
		for _, d := range driverIDs {
			if !slices.Contains(r.OfferedTo, d) {
				r.OfferedTo = append(r.OfferedTo, d)
			}
		}
	})
}

func (m *MemoryStore) AppendDecline(_ context.Context, id string, d models.Decline) (*models.Ride, bool, error) {
	cond := func(r *models.Ride) bool { return r.Status == models.StatusRequested }
	return m.mutate(id, cond, func(r *models.Ride) {
		r.Declines = append(r.Declines, d)
		r.UpdatedAt = d.At
	})
}

func (m *MemoryStore) mutate(id string, cond func(*models.Ride) bool, apply func(*models.Ride)) (*models.Ride, bool, error) {
	s, err := m.slot(id)
	if err != nil {
		return nil, false, err
	}
	r, changed := s.apply(cond, apply)
	return r, changed, nil
}

func (s *slot) apply(cond func(*models.Ride) bool, apply func(*models.Ride)) (*models.Ride, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cond(s.ride) {
		return s.ride.Clone(), false
	}
	next := s.ride.Clone()
	apply(next)
	s.ride = next
	return next.Clone(), true
}

func (m *MemoryStore) snapshot(keep func(*models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.rides))
	for _, s := range m.rides {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]*models.Ride, 0)
	for _, s := range slots {
		s.mu.Lock()
		if keep(s.ride) {
			out = append(out, s.ride.Clone())
		}
		s.mu.Unlock()
	}
	return out
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*models.Ride, error) {
	out := m.snapshot(func(r *models.Ride) bool { return r.Involves(userID) })
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ActiveByUser(_ context.Context, userID string) (*models.Ride, error) {
	out := m.snapshot(func(r *models.Ride) bool {
		return r.Status.Active() && (r.RiderID == userID || r.DriverID == userID)
	})
	if len(out) == 0 {
		return nil, nil
	}
	sortNewestFirst(out)
	return out[0], nil
}

func (m *MemoryStore) ListStaleOffers(_ context.Context, before time.Time, limit int) ([]*models.Ride, error) {
	out := m.snapshot(func(r *models.Ride) bool {
		return r.Status == models.StatusRequested && r.OfferAnchor().Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(rs []*models.Ride) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}
