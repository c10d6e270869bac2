package matcher

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DefaultRadiusKm is the broadcast radius around the pickup point.
const DefaultRadiusKm = 5.0

type Request struct {
	Pickup         models.Point
	TargetDriverID string
	Exclude        []string
}

// Candidate is a driver that should receive the offer.
type Candidate struct {
	DriverID   string
	DistanceKm float64
	ETASeconds float64
}

type Service struct {
	Directory geo.Directory
	ETA       *eta.Estimator // optional
	RadiusKm  float64
}

// Candidates returns who should be offered a ride. A direct request yields
// exactly the target driver whatever its position or availability; otherwise
// every online and available driver within the radius of the pickup, nearest
// first.
func (s *Service) Candidates(ctx context.Context, req Request) ([]Candidate, error) {
	if req.TargetDriverID != "" {
		c := Candidate{DriverID: req.TargetDriverID}
		// Distance is informational for direct offers; a missing position is fine.
		if p, err := s.Directory.Get(ctx, req.TargetDriverID); err == nil {
			c.DistanceKm = geo.DistanceKm(p.Position, req.Pickup)
			c.ETASeconds = s.ETA.Estimate(ctx, p.Position, req.Pickup)
		}
		return []Candidate{c}, nil
	}

	start := time.Now()
	radius := s.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	nearby, err := s.Directory.Nearby(ctx, req.Pickup, radius)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	geo.SortByDistance(req.Pickup, nearby)

	out := make([]Candidate, 0, len(nearby))
	for _, d := range nearby {
		if !d.Online || !d.Available || slices.Contains(req.Exclude, d.DriverID) {
			continue
		}
		dist := geo.DistanceKm(d.Position, req.Pickup)
		if dist > radius {
			continue
		}
		out = append(out, Candidate{
			DriverID:   d.DriverID,
			DistanceKm: dist,
			ETASeconds: s.ETA.Estimate(ctx, d.Position, req.Pickup),
		})
	}
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	observability.MatchCandidates.Observe(float64(len(out)))
	if len(out) == 0 {
		observability.NoCandidates.Inc()
	}
	return out, nil
}

// DriverIDs flattens a candidate list.
func DriverIDs(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.DriverID
	}
	return out
}
