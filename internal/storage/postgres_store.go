package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, rider_id, driver_id, target_driver_id,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	price, payment_method, status, prior_driver_id, cancelled_by, cancel_reason, decline_reason,
	declines, offer_round, offered_at, offered_to, hold_id,
	created_at, accepted_at, started_at, completed_at, cancelled_at, updated_at`

// PostgresStore is the durable TripStore. Every status change is a single
// conditional UPDATE so concurrent transitions on a ride resolve in the
// database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	declines, err := json.Marshal(nonNilDeclines(r.Declines))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		r.ID, r.RiderID, nullString(r.DriverID), nullString(r.TargetDriverID),
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address, r.Dropoff.Lat, r.Dropoff.Lng, r.Dropoff.Address,
		r.Price, string(r.PaymentMethod), string(r.Status), nullString(r.PriorDriverID),
		r.CancelledBy, r.CancelReason, r.DeclineReason,
		declines, r.OfferRound, r.OfferedAt, pq.Array(nonNilStrings(r.OfferedTo)), r.HoldID,
		r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == "rides_one_active_per_rider" {
				return ErrActiveRide
			}
			return ErrDuplicate
		}
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, t Transition) (*models.Ride, bool, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	var decline []byte
	if t.To == models.StatusDeclined {
		b, err := json.Marshal([]models.Decline{{DriverID: t.Actor, Reason: t.Reason, At: t.At}})
		if err != nil {
			return nil, false, err
		}
		decline = b
	} else {
		decline = []byte("[]")
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
		status = $2::text,
		driver_id = CASE WHEN $2::text = 'accepted' THEN $3::text
			WHEN $2::text IN ('cancelled', 'declined') THEN NULL ELSE driver_id END,
		prior_driver_id = CASE WHEN $2::text = 'cancelled' THEN COALESCE(driver_id, prior_driver_id) ELSE prior_driver_id END,
		cancelled_by = CASE WHEN $2::text = 'cancelled' THEN $4::text ELSE cancelled_by END,
		cancel_reason = CASE WHEN $2::text = 'cancelled' THEN $5::text ELSE cancel_reason END,
		decline_reason = CASE WHEN $2::text = 'declined' THEN $5::text ELSE decline_reason END,
		declines = declines || $8::jsonb,
		accepted_at = CASE WHEN $2::text = 'accepted' THEN $6 ELSE accepted_at END,
		started_at = CASE WHEN $2::text = 'ongoing' THEN $6 ELSE started_at END,
		completed_at = CASE WHEN $2::text = 'completed' THEN $6 ELSE completed_at END,
		cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $6 ELSE cancelled_at END,
		updated_at = $6
		WHERE id = $1 AND status = ANY($7::text[]) AND ($9::text = '' OR driver_id = $9::text)
		RETURNING `+rideColumns,
		id, string(t.To), t.DriverID, t.Actor, t.Reason, t.At, pq.Array(from), decline, t.RequireDriver)
	return p.conditional(ctx, id, row)
}

func (p *PostgresStore) RecordOffer(ctx context.Context, id string, round int, driverIDs []string, at time.Time) (*models.Ride, bool, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
		offer_round = offer_round + 1,
		offered_at = $3,
		offered_to = ARRAY(SELECT DISTINCT x FROM unnest(offered_to || $4::text[]) AS x ORDER BY x),
		updated_at = $3
		WHERE id = $1 AND status = 'requested' AND offer_round = $2
		RETURNING `+rideColumns,
		id, round, at, pq.Array(driverIDs))
	return p.conditional(ctx, id, row)
}

func (p *PostgresStore) AppendDecline(ctx context.Context, id string, d models.Decline) (*models.Ride, bool, error) {
	b, err := json.Marshal([]models.Decline{d})
	if err != nil {
		return nil, false, err
	}
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET declines = declines || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status = 'requested'
		RETURNING `+rideColumns, id, b, d.At)
	return p.conditional(ctx, id, row)
}

// conditional turns an UPDATE ... RETURNING result into the CAS contract: a
// missing row means either the ride does not exist or its precondition failed.
func (p *PostgresStore) conditional(ctx context.Context, id string, row *sql.Row) (*models.Ride, bool, error) {
	r, err := scanRide(row)
	if err == nil {
		return r, true, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "rides_one_active_per_driver" {
		return nil, false, ErrDriverBusy
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("update ride %s: %w", id, err)
	}
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE rider_id = $1 OR driver_id = $1 OR prior_driver_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
}

func (p *PostgresStore) ActiveByUser(ctx context.Context, userID string) (*models.Ride, error) {
	rs, err := p.query(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE (rider_id = $1 OR driver_id = $1) AND status IN ('requested', 'accepted', 'ongoing')
		ORDER BY created_at DESC LIMIT 1`, userID)
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return rs[0], nil
}

func (p *PostgresStore) ListStaleOffers(ctx context.Context, before time.Time, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status = 'requested' AND COALESCE(offered_at, created_at) < $1
		ORDER BY created_at LIMIT $2`, before, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                models.Ride
		driverID, targetID, priorID      sql.NullString
		payment, status                  string
		declines                         []byte
		offeredAt, acceptedAt, startedAt sql.NullTime
		completedAt, cancelledAt         sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &targetID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.Dropoff.Address,
		&r.Price, &payment, &status, &priorID, &r.CancelledBy, &r.CancelReason, &r.DeclineReason,
		&declines, &r.OfferRound, &offeredAt, pq.Array(&r.OfferedTo), &r.HoldID,
		&r.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.TargetDriverID = targetID.String
	r.PriorDriverID = priorID.String
	r.PaymentMethod = models.PaymentMethod(payment)
	r.Status = models.Status(status)
	if len(declines) > 0 {
		if err := json.Unmarshal(declines, &r.Declines); err != nil {
			return nil, fmt.Errorf("decode declines: %w", err)
		}
	}
	r.OfferedAt = timePtr(offeredAt)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNilDeclines(d []models.Decline) []models.Decline {
	if d == nil {
		return []models.Decline{}
	}
	return d
}

// offered_to is NOT NULL; a nil slice would bind as SQL NULL.
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
