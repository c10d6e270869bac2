package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

func fleet() *geo.Index {
	g := geo.NewIndex()
	g.Upsert(models.Presence{DriverID: "A", Online: true, Available: true, Position: models.Point{Lat: 0.01, Lng: 0.01}})
	g.Upsert(models.Presence{DriverID: "B", Online: true, Available: true, Position: models.Point{Lat: 0.5, Lng: 0.5}})
	g.Upsert(models.Presence{DriverID: "C", Online: true, Available: true, Position: models.Point{Lat: 0.036}})
	g.Upsert(models.Presence{DriverID: "D", Online: true, Available: false, Position: models.Point{Lat: 0.036}})
	return g
}

func TestCandidatesWithinRadius(t *testing.T) {
	s := &Service{Directory: fleet(), ETA: &eta.Estimator{DefaultSpeedMps: 10}}
	got, err := s.Candidates(context.Background(), Request{Pickup: models.Point{}})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	ids := DriverIDs(got)
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "C" {
		t.Fatalf("expected [A C], got %v", ids)
	}
	if got[0].DistanceKm > got[1].DistanceKm {
		t.Fatal("candidates must be nearest first")
	}
	if got[0].ETASeconds <= 0 {
		t.Fatalf("expected an ETA, got %f", got[0].ETASeconds)
	}
}

func TestCandidatesIgnoreDriversWithoutFix(t *testing.T) {
	g := fleet()
	_ = g.SetAvailable(context.Background(), "nofix", true)
	s := &Service{Directory: g, ETA: &eta.Estimator{DefaultSpeedMps: 10}}
	got, err := s.Candidates(context.Background(), Request{Pickup: models.Point{Lat: 0.01, Lng: 0.01}})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	for _, id := range DriverIDs(got) {
		if id == "nofix" {
			t.Fatalf("driver without a reported position was offered: %v", DriverIDs(got))
		}
	}
}

func TestCandidatesExcludesDecliners(t *testing.T) {
	s := &Service{Directory: fleet()}
	got, err := s.Candidates(context.Background(), Request{Pickup: models.Point{}, Exclude: []string{"A"}})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if ids := DriverIDs(got); len(ids) != 1 || ids[0] != "C" {
		t.Fatalf("expected [C], got %v", ids)
	}
}

func TestDirectTargetSkipsGeoSearch(t *testing.T) {
	// D is unavailable and B is far away, yet a direct request still reaches them.
	s := &Service{Directory: fleet()}
	for _, target := range []string{"B", "D", "unknown"} {
		got, err := s.Candidates(context.Background(), Request{Pickup: models.Point{}, TargetDriverID: target})
		if err != nil {
			t.Fatalf("candidates: %v", err)
		}
		if len(got) != 1 || got[0].DriverID != target {
			t.Fatalf("expected only %s, got %v", target, DriverIDs(got))
		}
	}
}

func TestEmptyCandidateSet(t *testing.T) {
	s := &Service{Directory: geo.NewIndex(), RadiusKm: 1}
	got, err := s.Candidates(context.Background(), Request{Pickup: models.Point{Lat: 10, Lng: 10}})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no candidates, got %v err=%v", got, err)
	}
}

type brokenDirectory struct{ geo.Directory }

func (brokenDirectory) Nearby(context.Context, models.Point, float64) ([]models.Presence, error) {
	return nil, errors.New("redis down")
}

func TestDirectoryFailureSurfaces(t *testing.T) {
	s := &Service{Directory: brokenDirectory{}}
	if _, err := s.Candidates(context.Background(), Request{}); err == nil {
		t.Fatal("expected directory error")
	}
}
