// Package orchestrator composes matching, the ride lifecycle and realtime
// delivery into the operations exposed to riders and drivers.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier is the realtime side of the orchestrator, implemented by
// dispatch.WSRegistry.
type Notifier interface {
	SendToUsers(event models.EventName, data any, userIDs ...string) int
	SendToGroup(group string, event models.EventName, data any, skipUser string) int
	AttachRide(rideID string, userIDs ...string)
	DetachRide(rideID string)
	RideOf(userID string) string
	Connected(userID string) bool
}

type Config struct {
	OfferTTL       time.Duration
	OfferMaxRounds int
	RetryAttempts  int
	RetryDelay     time.Duration
}

// Deps are the collaborators. Sink and Locations are optional.
type Deps struct {
	Store     storage.TripStore
	Machine   *lifecycle.Machine
	Matcher   *matcher.Service
	Notifier  Notifier
	Directory geo.Directory
	Profiles  storage.ProfileStore
	Wallet    payments.Wallet
	Sink      dispatch.EventSink
	Locations ingest.LocationPublisher
}

type Orchestrator struct {
	Deps
	cfg Config
	log *slog.Logger
	now func() time.Time

	pending sync.WaitGroup

	// presence serializes session callbacks per user, striped by id hash.
	presence [64]sync.Mutex
}

func New(cfg Config, deps Deps, log *slog.Logger) *Orchestrator {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 30 * time.Second
	}
	if cfg.OfferMaxRounds <= 0 {
		cfg.OfferMaxRounds = 3
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if deps.Profiles == nil {
		deps.Profiles = storage.NewMemoryProfiles()
	}
	if deps.Wallet == nil {
		deps.Wallet = payments.NewMemoryWallet(0)
	}
	return &Orchestrator{Deps: deps, cfg: cfg, log: logging.OrDefault(log), now: time.Now}
}

// Wait blocks until in-flight sink deliveries finish.
func (o *Orchestrator) Wait() { o.pending.Wait() }

type CreateRequest struct {
	Pickup         models.Point         `json:"pickup"`
	Dropoff        models.Point         `json:"dropoff"`
	Price          int64                `json:"price"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	TargetDriverID string               `json:"target_driver_id,omitempty"`
}

func (r *CreateRequest) validate(riderID string) error {
	if !r.Pickup.Valid() || !r.Dropoff.Valid() {
		return apperr.Invalid("pickup and dropoff must be valid coordinates")
	}
	if r.Price < 0 {
		return apperr.Invalid("price must not be negative")
	}
	if r.PaymentMethod == "" {
		r.PaymentMethod = models.PaymentCash
	}
	if !r.PaymentMethod.Valid() {
		return apperr.Invalid("payment method must be cash or in_app_credit")
	}
	if r.TargetDriverID == riderID {
		return apperr.Invalid("target driver must be someone else")
	}
	return nil
}

// CreateRide persists a new ride and offers it. If matching fails after the
// ride is stored, the ride is returned together with a transient error; the
// offer sweeper will retry it.
func (o *Orchestrator) CreateRide(ctx context.Context, caller models.Identity, req CreateRequest) (*models.Ride, error) {
	if caller.Role != models.RoleRider {
		return nil, apperr.Unauthorized("only riders can request rides")
	}
	if err := req.validate(caller.UserID); err != nil {
		return nil, err
	}
	active, err := o.Store.ActiveByUser(ctx, caller.UserID)
	if err != nil {
		return nil, apperr.Transient("ride store unavailable", err)
	}
	if active != nil && active.RiderID == caller.UserID {
		return nil, apperr.Conflict("rider already has an active ride")
	}

	now := o.now()
	ride := &models.Ride{
		ID:             uuid.NewString(),
		RiderID:        caller.UserID,
		TargetDriverID: req.TargetDriverID,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		Price:          req.Price,
		PaymentMethod:  req.PaymentMethod,
		Status:         models.StatusRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ride.PaymentMethod == models.PaymentInApp {
		holdID, err := o.Wallet.Hold(ctx, ride.ID, caller.UserID, ride.Price)
		if errors.Is(err, payments.ErrInsufficientFunds) {
			return nil, apperr.Unauthorized("insufficient in-app credit")
		}
		if err != nil {
			return nil, apperr.Transient("wallet unavailable", err)
		}
		ride.HoldID = holdID
	}

	if err := o.Store.Create(ctx, ride); err != nil {
		o.releaseHold(ride)
		if errors.Is(err, storage.ErrActiveRide) {
			return nil, apperr.Conflict("rider already has an active ride")
		}
		return nil, apperr.Transient("ride store unavailable", err)
	}
	mode := "broadcast"
	if ride.TargetDriverID != "" {
		mode = "direct"
	}
	observability.RidesCreated.WithLabelValues(mode).Inc()
	o.log.Info("ride created", "ride_id", ride.ID, "rider_id", ride.RiderID, "mode", mode)

	offered, err := o.offer(ctx, ride)
	if err != nil {
		o.log.Error("initial offer failed", "ride_id", ride.ID, "err", err)
		return ride, apperr.Transient("ride saved, driver matching delayed", err)
	}
	return offered, nil
}

// Accept assigns the ride to the calling driver and resolves the offer for
// every other candidate.
func (o *Orchestrator) Accept(ctx context.Context, caller models.Identity, rideID string) (*models.RideView, error) {
	if caller.Role != models.RoleDriver {
		return nil, o.reject("accept", apperr.Unauthorized("only drivers can accept rides"))
	}
	change, err := o.Machine.AcceptGuarded(ctx, rideID, caller.UserID, func(*models.Ride) error {
		return o.checkSubscription(ctx, caller.UserID)
	})
	if err != nil {
		return nil, o.reject("accept", err)
	}
	view := o.enrich(ctx, change.Ride)
	if !change.Changed {
		return view, nil
	}
	ride := change.Ride
	o.committed(ride, "driver_id", caller.UserID)

	o.Notifier.AttachRide(ride.ID, ride.RiderID, ride.DriverID)
	o.Notifier.SendToUsers(models.EventRideAccepted, view, ride.RiderID, ride.DriverID)
	if others := without(ride.OfferedTo, ride.DriverID); len(others) > 0 {
		o.Notifier.SendToUsers(models.EventRideAccepted, ride, others...)
	}
	o.emit(models.EventRideAccepted, ride, caller.UserID, "", append([]string{ride.RiderID, ride.DriverID}, without(ride.OfferedTo, ride.DriverID)...))
	return view, nil
}

func (o *Orchestrator) Decline(ctx context.Context, caller models.Identity, rideID, reason string) (*models.RideView, error) {
	if caller.Role != models.RoleDriver {
		return nil, o.reject("decline", apperr.Unauthorized("only drivers can decline rides"))
	}
	change, err := o.Machine.Decline(ctx, rideID, caller.UserID, reason)
	if err != nil {
		return nil, o.reject("decline", err)
	}
	ride := change.Ride
	if !change.Changed {
		return o.enrich(ctx, ride), nil
	}
	notice := models.RideNotice{RideID: ride.ID, DriverID: caller.UserID, Reason: reason}
	o.Notifier.SendToUsers(models.EventRideDeclined, notice, ride.RiderID)
	if ride.Status == models.StatusDeclined {
		o.committed(ride, "driver_id", caller.UserID)
		o.Notifier.SendToGroup(dispatch.DriversGroup, models.EventRideDeclined, notice, caller.UserID)
		o.releaseHold(ride)
	} else {
		o.log.Info("ride offer declined", "ride_id", ride.ID, "driver_id", caller.UserID)
	}
	o.emit(models.EventRideDeclined, ride, caller.UserID, reason, []string{ride.RiderID})
	return o.enrich(ctx, ride), nil
}

func (o *Orchestrator) Start(ctx context.Context, caller models.Identity, rideID string) (*models.RideView, error) {
	change, err := o.Machine.Start(ctx, rideID, caller.UserID)
	if err != nil {
		return nil, o.reject("start", err)
	}
	return o.announce(ctx, change.Ride, models.EventRideStarted, caller.UserID), nil
}

func (o *Orchestrator) Complete(ctx context.Context, caller models.Identity, rideID string) (*models.RideView, error) {
	change, err := o.Machine.Complete(ctx, rideID, caller.UserID)
	if err != nil {
		return nil, o.reject("complete", err)
	}
	view := o.announce(ctx, change.Ride, models.EventRideCompleted, caller.UserID)
	o.Notifier.DetachRide(change.Ride.ID)
	o.captureHold(change.Ride)
	return view, nil
}

// Cancel tells the rider, the driver who held the ride, and the drivers group
// so stale offers disappear from every screen.
func (o *Orchestrator) Cancel(ctx context.Context, caller models.Identity, rideID, reason string) (*models.RideView, error) {
	change, err := o.Machine.Cancel(ctx, rideID, caller.UserID, reason)
	if err != nil {
		return nil, o.reject("cancel", err)
	}
	view := o.afterCancel(ctx, change.Ride, caller.UserID)
	return view, nil
}

func (o *Orchestrator) afterCancel(ctx context.Context, ride *models.Ride, actor string) *models.RideView {
	view := o.announce(ctx, ride, models.EventRideCancelled, actor)
	o.Notifier.SendToGroup(dispatch.DriversGroup, models.EventRideCancelled,
		models.RideNotice{RideID: ride.ID, Reason: ride.CancelReason}, ride.PriorDriverID)
	o.Notifier.DetachRide(ride.ID)
	o.releaseHold(ride)
	return view
}

// announce notifies the rider and the (current or prior) driver of a
// committed transition with the full enriched ride.
func (o *Orchestrator) announce(ctx context.Context, ride *models.Ride, event models.EventName, actor string) *models.RideView {
	o.committed(ride, "actor", actor)
	view := o.enrich(ctx, ride)
	recipients := parties(ride)
	o.Notifier.SendToUsers(event, view, recipients...)
	o.emit(event, ride, actor, ride.CancelReason, recipients)
	return view
}

// Get returns a ride visible to its rider, its driver or an admin.
func (o *Orchestrator) Get(ctx context.Context, caller models.Identity, rideID string) (*models.RideView, error) {
	r, err := o.Store.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride not found")
	}
	if err != nil {
		return nil, apperr.Transient("ride store unavailable", err)
	}
	if caller.Role != models.RoleAdmin && !r.Involves(caller.UserID) {
		return nil, apperr.Unauthorized("not a party to this ride")
	}
	return o.enrich(ctx, r), nil
}

// History lists the caller's rides, newest first.
func (o *Orchestrator) History(ctx context.Context, caller models.Identity) ([]*models.Ride, error) {
	rides, err := o.Store.ListByUser(ctx, caller.UserID)
	if err != nil {
		return nil, apperr.Transient("ride store unavailable", err)
	}
	return rides, nil
}

func (o *Orchestrator) ActiveRide(ctx context.Context, caller models.Identity) (*models.Ride, error) {
	r, err := o.Store.ActiveByUser(ctx, caller.UserID)
	if err != nil {
		return nil, apperr.Transient("ride store unavailable", err)
	}
	return r, nil
}

func (o *Orchestrator) checkSubscription(ctx context.Context, driverID string) error {
	profiles, err := o.Profiles.Profiles(ctx, driverID)
	if err != nil {
		return apperr.Transient("profile store unavailable", err)
	}
	if p, ok := profiles[driverID]; ok && !p.SubscriptionActive {
		return apperr.Unauthorized("subscription inactive")
	}
	return nil
}

// enrich attaches party display data. Failures degrade to the bare ride.
func (o *Orchestrator) enrich(ctx context.Context, r *models.Ride) *models.RideView {
	view := &models.RideView{Ride: r}
	driverID := r.DriverID
	if driverID == "" {
		driverID = r.PriorDriverID
	}
	ids := []string{r.RiderID}
	if driverID != "" {
		ids = append(ids, driverID)
	}
	profiles, err := o.Profiles.Profiles(ctx, ids...)
	if err != nil {
		o.log.Warn("ride enrichment failed", "ride_id", r.ID, "err", err)
		return view
	}
	view.Rider = profiles[r.RiderID]
	if driverID != "" {
		view.Driver = profiles[driverID]
	}
	return view
}

func (o *Orchestrator) reject(op string, err error) error {
	observability.TransitionRejections.WithLabelValues(op, string(apperr.KindOf(err))).Inc()
	return err
}

func (o *Orchestrator) committed(r *models.Ride, attrs ...any) {
	observability.Transitions.WithLabelValues(string(r.Status)).Inc()
	o.log.Info("ride transition", append([]any{"ride_id", r.ID, "status", r.Status}, attrs...)...)
}

// emit mirrors an event to the external sinks without delaying the caller.
func (o *Orchestrator) emit(event models.EventName, r *models.Ride, actor, reason string, recipients []string) {
	if o.Sink == nil {
		return
	}
	ev := models.RideEvent{
		ID:         uuid.NewString(),
		Event:      event,
		RideID:     r.ID,
		Status:     r.Status,
		ActorID:    actor,
		Recipients: recipients,
		Reason:     reason,
		Ride:       r,
		At:         o.now().UTC(),
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Sink.Publish(ctx, ev); err != nil {
			o.log.Warn("ride event delivery failed", "event", event, "ride_id", r.ID, "err", err)
		}
	}()
}

func (o *Orchestrator) captureHold(r *models.Ride) {
	if r.HoldID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := retryErr(ctx, o.cfg.RetryAttempts, o.cfg.RetryDelay, func() error { return o.Wallet.Capture(ctx, r.HoldID) })
	if err != nil {
		observability.WalletFailures.WithLabelValues("capture").Inc()
		o.log.Error("wallet capture failed", "ride_id", r.ID, "hold_id", r.HoldID, "err", err)
	}
}

func (o *Orchestrator) releaseHold(r *models.Ride) {
	if r.HoldID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := retryErr(ctx, o.cfg.RetryAttempts, o.cfg.RetryDelay, func() error { return o.Wallet.Release(ctx, r.HoldID) })
	if err != nil {
		observability.WalletFailures.WithLabelValues("release").Inc()
		o.log.Error("wallet release failed", "ride_id", r.ID, "hold_id", r.HoldID, "err", err)
	}
}

// parties are the rider and the current or prior driver.
func parties(r *models.Ride) []string {
	out := []string{r.RiderID}
	if r.DriverID != "" {
		out = append(out, r.DriverID)
	} else if r.PriorDriverID != "" {
		out = append(out, r.PriorDriverID)
	}
	return out
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}
