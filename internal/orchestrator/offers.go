package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ReasonNoDriver is the cancel reason of rides that ran out of offer rounds.
const ReasonNoDriver = "no_driver_available"

// offer runs one matching round for a requested ride and pushes the offer to
// every candidate. The round is recorded with a conditional update, so a ride
// accepted or cancelled meanwhile is left alone.
func (o *Orchestrator) offer(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	req := matcher.Request{Pickup: ride.Pickup, TargetDriverID: ride.TargetDriverID}
	for _, d := range ride.Declines {
		req.Exclude = append(req.Exclude, d.DriverID)
	}
	cands, err := withRetry(ctx, o.cfg.RetryAttempts, o.cfg.RetryDelay, func() ([]matcher.Candidate, error) {
		return o.Matcher.Candidates(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	at := o.now()
	ids := matcher.DriverIDs(cands)
	updated, ok, err := o.Store.RecordOffer(ctx, ride.ID, ride.OfferRound, ids, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return updated, nil
	}
	observability.OfferRounds.Inc()

	if len(cands) == 0 {
		o.log.Info("no drivers available", "ride_id", ride.ID, "round", updated.OfferRound)
		o.Notifier.SendToUsers(models.EventNoDriversAvailable,
			models.RideNotice{RideID: ride.ID, Reason: "no drivers nearby"}, ride.RiderID)
		return updated, nil
	}

	view := o.enrich(ctx, updated)
	expires := at.Add(o.cfg.OfferTTL)
	for _, c := range cands {
		o.Notifier.SendToUsers(models.EventNewRideOffer, models.RideOffer{
			RideView:           view,
			DistanceToPickupKm: c.DistanceKm,
			ETASeconds:         c.ETASeconds,
			Direct:             ride.TargetDriverID != "",
			ExpiresAt:          expires,
		}, c.DriverID)
	}
	o.log.Info("ride offered", "ride_id", ride.ID, "round", updated.OfferRound, "candidates", len(cands))
	o.emit(models.EventNewRideOffer, updated, "", "", ids)
	return updated, nil
}

// RunOfferExpiry re-offers rides whose offer went unanswered and cancels
// those that exhausted their rounds. It returns when ctx is done.
func (o *Orchestrator) RunOfferExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.SweepOffers(ctx); err != nil {
				o.log.Error("offer sweep failed", "err", err)
			} else if n > 0 {
				o.log.Debug("offer sweep", "rides", n)
			}
		}
	}
}

// SweepOffers handles every ride whose current offer is older than the offer
// TTL and reports how many it touched.
func (o *Orchestrator) SweepOffers(ctx context.Context) (int, error) {
	stale, err := o.Store.ListStaleOffers(ctx, o.now().Add(-o.cfg.OfferTTL), 100)
	if err != nil {
		return 0, err
	}
	for _, r := range stale {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if len(r.OfferedTo) > 0 {
			o.Notifier.SendToUsers(models.EventRideOfferExpired,
				models.RideNotice{RideID: r.ID, Reason: "offer expired"}, r.OfferedTo...)
		}
		if r.OfferRound >= o.cfg.OfferMaxRounds {
			o.expire(ctx, r)
			continue
		}
		if _, err := o.offer(ctx, r); err != nil {
			o.log.Warn("re-offer failed", "ride_id", r.ID, "round", r.OfferRound, "err", err)
		}
	}
	return len(stale), nil
}

func (o *Orchestrator) expire(ctx context.Context, r *models.Ride) {
	change, err := o.Machine.Expire(ctx, r.ID, ReasonNoDriver)
	if errors.Is(err, apperr.ErrConflict) {
		return
	}
	if err != nil {
		o.log.Warn("expire ride failed", "ride_id", r.ID, "err", err)
		return
	}
	observability.OffersExpired.Inc()
	o.afterCancel(ctx, change.Ride, change.Ride.CancelledBy)
}
