package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// ProfileStore resolves display data for riders and drivers. Missing ids are
// simply absent from the result.
type ProfileStore interface {
	Profiles(ctx context.Context, ids ...string) (map[string]*models.Party, error)
}

type MemoryProfiles struct {
	mu      sync.RWMutex
	parties map[string]models.Party
}

func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{parties: make(map[string]models.Party)}
}

func (m *MemoryProfiles) Put(p models.Party) {
	m.mu.Lock()
	m.parties[p.ID] = p
	m.mu.Unlock()
}

func (m *MemoryProfiles) Profiles(_ context.Context, ids ...string) (map[string]*models.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Party, len(ids))
	for _, id := range ids {
		if p, ok := m.parties[id]; ok {
			cp := p
			if p.Vehicle != nil {
				v := *p.Vehicle
				cp.Vehicle = &v
			}
			out[id] = &cp
		}
	}
	return out, nil
}

// PostgresProfiles reads the users table.
type PostgresProfiles struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresProfiles(db *sql.DB) *PostgresProfiles {
	return &PostgresProfiles{db: db, now: time.Now}
}

func (p *PostgresProfiles) Profiles(ctx context.Context, ids ...string) (map[string]*models.Party, error) {
	out := make(map[string]*models.Party, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, role, name, phone, photo_url, rating,
		vehicle_model, vehicle_plate, vehicle_color, subscription_status, subscription_expires_at
		FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			party               models.Party
			role, sub           string
			model, plate, color string
			expires             sql.NullTime
		)
		if err := rows.Scan(&party.ID, &role, &party.Name, &party.Phone, &party.PhotoURL, &party.Rating,
			&model, &plate, &color, &sub, &expires); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if models.Role(role) == models.RoleDriver {
			party.Vehicle = &models.Vehicle{Model: model, Plate: plate, Color: color}
		}
		party.SubscriptionActive = sub == "active" && (!expires.Valid || expires.Time.After(p.now()))
		out[party.ID] = &party
	}
	return out, rows.Err()
}
