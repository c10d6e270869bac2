package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownDriver = errors.New("driver has no presence record")

// Directory is the driver presence store consumed by the matcher and fed by
// location pings and availability toggles.
type Directory interface {
	// Nearby returns online and available drivers within radiusKm of p.
	Nearby(ctx context.Context, p models.Point, radiusKm float64) ([]models.Presence, error)
	Get(ctx context.Context, driverID string) (models.Presence, error)
	UpdatePosition(ctx context.Context, driverID string, p models.Point, at time.Time) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// entry owns one driver's presence. Writers for different drivers never
// contend; the index lock only guards the map shape.
type entry struct {
	mu sync.Mutex
	p  models.Presence

	// fixed is set once a position has been reported. Drivers without one
	// are never geo-matched, the same as a missing member in the Redis set.
	fixed bool
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]*entry), now: time.Now}
}

func (g *Index) entry(driverID string) *entry {
	g.mu.RLock()
	e, ok := g.drivers[driverID]
	g.mu.RUnlock()
	if ok {
		return e
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok = g.drivers[driverID]; ok {
		return e
	}
	e = &entry{p: models.Presence{DriverID: driverID}}
	g.drivers[driverID] = e
	return e
}

func (g *Index) update(driverID string, fixed bool, fn func(p *models.Presence)) {
	e := g.entry(driverID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.p)
	e.fixed = e.fixed || fixed
	if e.p.Available {
		e.p.Online = true
	}
	e.p.UpdatedAt = g.now()
}

// Upsert replaces a driver's whole presence record.
func (g *Index) Upsert(p models.Presence) {
	g.update(p.DriverID, true, func(cur *models.Presence) { *cur = p })
}

func (g *Index) UpdatePosition(_ context.Context, driverID string, p models.Point, _ time.Time) error {
	g.update(driverID, true, func(cur *models.Presence) { cur.Position = p })
	return nil
}

func (g *Index) SetOnline(_ context.Context, driverID string, online bool) error {
	g.update(driverID, false, func(cur *models.Presence) {
		cur.Online = online
		if !online {
			cur.Available = false
		}
	})
	return nil
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.update(driverID, false, func(cur *models.Presence) { cur.Available = available })
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.Presence, error) {
	g.mu.RLock()
	e, ok := g.drivers[driverID]
	g.mu.RUnlock()
	if !ok {
		return models.Presence{}, ErrUnknownDriver
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, nil
}

// Nearby is a naive scan over all drivers; fine for a single node, the Redis
// directory covers larger fleets.
func (g *Index) Nearby(_ context.Context, p models.Point, radiusKm float64) ([]models.Presence, error) {
	g.mu.RLock()
	entries := make([]*entry, 0, len(g.drivers))
	for _, e := range g.drivers {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	out := make([]models.Presence, 0)
	for _, e := range entries {
		e.mu.Lock()
		snap, fixed := e.p, e.fixed
		e.mu.Unlock()
		if !fixed || !snap.Online || !snap.Available {
			continue
		}
		if DistanceKm(p, snap.Position) <= radiusKm {
			out = append(out, snap)
		}
	}
	SortByDistance(p, out)
	return out, nil
}

// SortByDistance orders drivers nearest first, ties broken by id.
func SortByDistance(from models.Point, ps []models.Presence) {
	sort.SliceStable(ps, func(i, j int) bool {
		di, dj := DistanceKm(from, ps[i].Position), DistanceKm(from, ps[j].Position)
		if di != dj {
			return di < dj
		}
		return ps[i].DriverID < ps[j].DriverID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is the great-circle distance between two points in kilometers.
func DistanceKm(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}
