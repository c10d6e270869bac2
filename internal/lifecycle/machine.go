// Package lifecycle owns ride status transitions. Every change goes through a
// conditional store update, so concurrent callers can never both win.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// SystemActor is recorded as CancelledBy when the dispatcher gives up on a ride.
const SystemActor = "system"

const reasonUnavailable = "ride is no longer available"

// Change is the outcome of a transition request. Changed is false when the
// request was an idempotent repeat and nothing was written.
type Change struct {
	Ride    *models.Ride
	Prev    models.Status
	Changed bool
}

type Machine struct {
	store         storage.TripStore
	declinePolicy string
	now           func() time.Time
}

func New(store storage.TripStore, declinePolicy string) *Machine {
	if declinePolicy != config.DeclineTerminal {
		declinePolicy = config.DeclineAnnotate
	}
	return &Machine{store: store, declinePolicy: declinePolicy, now: time.Now}
}

// DeclinePolicy reports whether declines end the ride or only annotate it.
func (m *Machine) DeclinePolicy() string { return m.declinePolicy }

func (m *Machine) load(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := m.store.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride not found")
	}
	if err != nil {
		return nil, apperr.Transient("ride store unavailable", err)
	}
	return r, nil
}

func (m *Machine) swap(ctx context.Context, rideID string, t storage.Transition) (*models.Ride, bool, error) {
	r, ok, err := m.store.CompareAndSwap(ctx, rideID, t)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, apperr.NotFound("ride not found")
	}
	if errors.Is(err, storage.ErrDriverBusy) {
		return nil, false, apperr.Conflict("driver already has an active ride")
	}
	if err != nil {
		return nil, false, apperr.Transient("ride store unavailable", err)
	}
	return r, ok, nil
}

// Accept assigns the ride to driverID. Exactly one of several racing drivers
// wins; a repeat accept by the winner returns the ride unchanged.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string) (Change, error) {
	return m.AcceptGuarded(ctx, rideID, driverID, nil)
}

// AcceptGuarded is Accept with an admission check that runs only when the
// accept would assign the ride, never on a repeat by the current driver.
func (m *Machine) AcceptGuarded(ctx context.Context, rideID, driverID string, admit func(*models.Ride) error) (Change, error) {
	r, err := m.load(ctx, rideID)
	if err != nil {
		return Change{}, err
	}
	if r.TargetDriverID != "" && r.TargetDriverID != driverID {
		return Change{}, apperr.Unauthorized("ride was offered to another driver")
	}
	if acceptedBy(r, driverID) {
		return Change{Ride: r, Prev: r.Status}, nil
	}
	if r.Status != models.StatusRequested {
		return Change{}, apperr.Conflict(reasonUnavailable)
	}
	if admit != nil {
		if err := admit(r); err != nil {
			return Change{}, err
		}
	}

	next, ok, err := m.swap(ctx, rideID, storage.Transition{
		From:     []models.Status{models.StatusRequested},
		To:       models.StatusAccepted,
		DriverID: driverID,
		At:       m.now(),
	})
	if err != nil {
		return Change{}, err
	}
	if !ok {
		// Lost the race, unless the winner was this same driver on another device.
		if acceptedBy(next, driverID) {
			return Change{Ride: next, Prev: next.Status}, nil
		}
		return Change{}, apperr.Conflict(reasonUnavailable)
	}
	return Change{Ride: next, Prev: models.StatusRequested, Changed: true}, nil
}

func acceptedBy(r *models.Ride, driverID string) bool {
	return r.Status == models.StatusAccepted && r.DriverID == driverID
}

// Decline records a driver's refusal. Under the annotate policy the ride stays
// requested and the driver is excluded from later offers; under the terminal
// policy the ride moves to declined.
func (m *Machine) Decline(ctx context.Context, rideID, driverID, reason string) (Change, error) {
	r, err := m.load(ctx, rideID)
	if err != nil {
		return Change{}, err
	}
	if r.TargetDriverID != "" && r.TargetDriverID != driverID {
		return Change{}, apperr.Unauthorized("ride was offered to another driver")
	}
	if r.Status != models.StatusRequested {
		return Change{}, apperr.Conflict(reasonUnavailable)
	}

	at := m.now()
	if m.declinePolicy == config.DeclineTerminal {
		next, ok, err := m.swap(ctx, rideID, storage.Transition{
			From:   []models.Status{models.StatusRequested},
			To:     models.StatusDeclined,
			Actor:  driverID,
			Reason: reason,
			At:     at,
		})
		if err != nil {
			return Change{}, err
		}
		if !ok {
			return Change{}, apperr.Conflict(reasonUnavailable)
		}
		return Change{Ride: next, Prev: models.StatusRequested, Changed: true}, nil
	}

	if r.DeclinedBy(driverID) {
		return Change{Ride: r, Prev: r.Status}, nil
	}
	next, ok, err := m.store.AppendDecline(ctx, rideID, models.Decline{DriverID: driverID, Reason: reason, At: at})
	if err != nil {
		return Change{}, apperr.Classify("ride store unavailable", err)
	}
	if !ok {
		return Change{}, apperr.Conflict(reasonUnavailable)
	}
	return Change{Ride: next, Prev: models.StatusRequested, Changed: true}, nil
}

// Start marks the rider aboard.
func (m *Machine) Start(ctx context.Context, rideID, driverID string) (Change, error) {
	return m.driverStep(ctx, rideID, driverID, models.StatusAccepted, models.StatusOngoing)
}

// Complete finishes an ongoing ride.
func (m *Machine) Complete(ctx context.Context, rideID, driverID string) (Change, error) {
	return m.driverStep(ctx, rideID, driverID, models.StatusOngoing, models.StatusCompleted)
}

func (m *Machine) driverStep(ctx context.Context, rideID, driverID string, from, to models.Status) (Change, error) {
	r, err := m.load(ctx, rideID)
	if err != nil {
		return Change{}, err
	}
	if r.Status.Terminal() {
		return Change{}, apperr.Conflict("ride is already " + string(r.Status))
	}
	if r.DriverID == "" || r.DriverID != driverID {
		return Change{}, apperr.Unauthorized("only the assigned driver can " + verb(to) + " the ride")
	}
	if r.Status != from {
		return Change{}, apperr.Conflict("ride cannot be " + string(to) + " from " + string(r.Status))
	}
	next, ok, err := m.swap(ctx, rideID, storage.Transition{
		From:          []models.Status{from},
		To:            to,
		RequireDriver: driverID,
		At:            m.now(),
	})
	if err != nil {
		return Change{}, err
	}
	if !ok {
		return Change{}, apperr.Conflict("ride is now " + string(next.Status))
	}
	return Change{Ride: next, Prev: from, Changed: true}, nil
}

func verb(to models.Status) string {
	if to == models.StatusOngoing {
		return "start"
	}
	return "complete"
}

// Cancel is allowed for the rider or the assigned driver while the ride is
// requested or accepted.
func (m *Machine) Cancel(ctx context.Context, rideID, actorID, reason string) (Change, error) {
	r, err := m.load(ctx, rideID)
	if err != nil {
		return Change{}, err
	}
	if !r.Involves(actorID) {
		return Change{}, apperr.Unauthorized("only the rider or the assigned driver can cancel the ride")
	}
	t := storage.Transition{
		From:   []models.Status{models.StatusRequested, models.StatusAccepted},
		To:     models.StatusCancelled,
		Actor:  actorID,
		Reason: reason,
		At:     m.now(),
	}
	if actorID != r.RiderID {
		t.RequireDriver = actorID
	}
	if !t.Applies(r) {
		return Change{}, apperr.Conflict("ride can no longer be cancelled")
	}
	next, ok, err := m.swap(ctx, rideID, t)
	if err != nil {
		return Change{}, err
	}
	if !ok {
		return Change{}, apperr.Conflict("ride can no longer be cancelled")
	}
	return Change{Ride: next, Prev: r.Status, Changed: true}, nil
}

// Expire cancels a ride that never found a driver.
func (m *Machine) Expire(ctx context.Context, rideID, reason string) (Change, error) {
	next, ok, err := m.swap(ctx, rideID, storage.Transition{
		From:   []models.Status{models.StatusRequested},
		To:     models.StatusCancelled,
		Actor:  SystemActor,
		Reason: reason,
		At:     m.now(),
	})
	if err != nil {
		return Change{}, err
	}
	if !ok {
		return Change{}, apperr.Conflict(reasonUnavailable)
	}
	return Change{Ride: next, Prev: models.StatusRequested, Changed: true}, nil
}
