package orchestrator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

// SessionOpened marks a driver online and rebinds the user to the ride
// channel of an assigned ride, which also covers reconnects after a restart.
func (o *Orchestrator) SessionOpened(ctx context.Context, id models.Identity, first bool) {
	if id.Role == models.RoleDriver && first {
		mu := o.presenceLock(id.UserID)
		mu.Lock()
		if err := o.Directory.SetOnline(ctx, id.UserID, true); err != nil {
			o.log.Warn("mark driver online", "driver_id", id.UserID, "err", err)
		}
		mu.Unlock()
	}
	if o.Notifier.RideOf(id.UserID) != "" {
		return
	}
	r, err := o.Store.ActiveByUser(ctx, id.UserID)
	if err != nil {
		o.log.Warn("lookup active ride", "user_id", id.UserID, "err", err)
		return
	}
	if r != nil && r.Status.HasDriver() {
		o.Notifier.AttachRide(r.ID, r.RiderID, r.DriverID)
	}
}

// SessionClosed marks a driver offline once their last session is gone. A
// session that reconnected in the meantime keeps the driver online.
func (o *Orchestrator) SessionClosed(ctx context.Context, id models.Identity, last bool) {
	if id.Role != models.RoleDriver || !last {
		return
	}
	mu := o.presenceLock(id.UserID)
	mu.Lock()
	defer mu.Unlock()
	if o.Notifier.Connected(id.UserID) {
		o.log.Info("driver reconnected before close", "driver_id", id.UserID)
		return
	}
	if err := o.Directory.SetOnline(ctx, id.UserID, false); err != nil {
		o.log.Warn("mark driver offline", "driver_id", id.UserID, "err", err)
	}
}

func (o *Orchestrator) presenceLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &o.presence[h.Sum32()%uint32(len(o.presence))]
}

// Location is the realtime entry point for pings.
func (o *Orchestrator) Location(ctx context.Context, id models.Identity, p models.Point, at time.Time) {
	if err := o.UpdateLocation(ctx, id, p, at); err != nil {
		o.log.Warn("location update failed", "user_id", id.UserID, "err", err)
	}
}

// UpdateLocation records a driver position and relays any ping to the other
// party of the caller's assigned ride.
func (o *Orchestrator) UpdateLocation(ctx context.Context, id models.Identity, p models.Point, at time.Time) error {
	if !p.Valid() {
		return apperr.Invalid("coordinates out of range")
	}
	if at.IsZero() {
		at = o.now()
	}
	rideID := o.Notifier.RideOf(id.UserID)
	if id.Role == models.RoleDriver {
		err := retryErr(ctx, o.cfg.RetryAttempts, o.cfg.RetryDelay, func() error {
			return o.Directory.UpdatePosition(ctx, id.UserID, p, at)
		})
		if err != nil {
			return apperr.Transient("driver directory unavailable", err)
		}
		if o.Locations != nil {
			ping := models.LocationPing{UserID: id.UserID, Role: id.Role, RideID: rideID, Lat: p.Lat, Lng: p.Lng, At: at}
			if err := o.Locations.PublishLocation(ctx, ping); err != nil {
				o.log.Warn("publish location", "driver_id", id.UserID, "err", err)
			}
		}
	}
	if rideID != "" {
		o.Notifier.SendToGroup(dispatch.RideGroup(rideID), models.EventLocationUpdate, models.LocationUpdate{
			RideID: rideID,
			UserID: id.UserID,
			Lat:    p.Lat,
			Lng:    p.Lng,
			At:     at,
		}, id.UserID)
	}
	return nil
}

// SetAvailability toggles whether a driver receives broadcast offers.
func (o *Orchestrator) SetAvailability(ctx context.Context, id models.Identity, available bool) (models.Presence, error) {
	if id.Role != models.RoleDriver {
		return models.Presence{}, apperr.Unauthorized("only drivers have availability")
	}
	err := retryErr(ctx, o.cfg.RetryAttempts, o.cfg.RetryDelay, func() error {
		return o.Directory.SetAvailable(ctx, id.UserID, available)
	})
	if err != nil {
		return models.Presence{}, apperr.Transient("driver directory unavailable", err)
	}
	p, err := o.Directory.Get(ctx, id.UserID)
	if err != nil {
		return models.Presence{}, apperr.Transient("driver directory unavailable", err)
	}
	o.log.Info("driver availability", "driver_id", id.UserID, "available", p.Available)
	return p, nil
}
