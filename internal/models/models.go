package models

import (
	"slices"
	"time"
)

type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Valid reports whether the coordinates are within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Status string

const (
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDeclined  Status = "declined"
)

// ActiveStatuses are the statuses in which a ride still occupies its rider.
var ActiveStatuses = []Status{StatusRequested, StatusAccepted, StatusOngoing}

// AllowedTransitions represents the ride state flow as code. Statuses with no
// entry are terminal.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusCancelled, StatusDeclined},
	StatusAccepted:  {StatusOngoing, StatusCancelled},
	StatusOngoing:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

func (s Status) Terminal() bool {
	_, ok := AllowedTransitions[s]
	return !ok
}

func (s Status) Active() bool {
	return slices.Contains(ActiveStatuses, s)
}

// HasDriver reports whether a ride in this status carries a driver id.
func (s Status) HasDriver() bool {
	return s == StatusAccepted || s == StatusOngoing || s == StatusCompleted
}

type PaymentMethod string

const (
	PaymentCash  PaymentMethod = "cash"
	PaymentInApp PaymentMethod = "in_app_credit"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentCash || p == PaymentInApp
}

type Decline struct {
	DriverID string    `json:"driver_id"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type Ride struct {
	ID             string        `json:"id"`
	RiderID        string        `json:"rider_id"`
	DriverID       string        `json:"driver_id,omitempty"`
	TargetDriverID string        `json:"target_driver_id,omitempty"`
	Pickup         Point         `json:"pickup"`
	Dropoff        Point         `json:"dropoff"`
	Price          int64         `json:"price"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	Status         Status        `json:"status"`

	// Set on cancellation of an assigned ride so history still reaches the driver.
	PriorDriverID string    `json:"prior_driver_id,omitempty"`
	CancelledBy   string    `json:"cancelled_by,omitempty"`
	CancelReason  string    `json:"cancel_reason,omitempty"`
	DeclineReason string    `json:"decline_reason,omitempty"`
	Declines      []Decline `json:"declines,omitempty"`

	OfferRound int        `json:"offer_round"`
	OfferedAt  *time.Time `json:"offered_at,omitempty"`
	OfferedTo  []string   `json:"offered_to,omitempty"`

	HoldID string `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared slices or pointers.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.Declines = slices.Clone(r.Declines)
	c.OfferedTo = slices.Clone(r.OfferedTo)
	c.OfferedAt = cloneTime(r.OfferedAt)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

// Involves reports whether userID is a party of the ride, past or present.
func (r *Ride) Involves(userID string) bool {
	return userID != "" && (r.RiderID == userID || r.DriverID == userID || r.PriorDriverID == userID)
}

// DeclinedBy reports whether driverID has declined this ride.
func (r *Ride) DeclinedBy(driverID string) bool {
	for _, d := range r.Declines {
		if d.DriverID == driverID {
			return true
		}
	}
	return false
}

// OfferAnchor is the instant the current offer round started, or the creation
// time when the ride was never offered.
func (r *Ride) OfferAnchor() time.Time {
	if r.OfferedAt != nil {
		return *r.OfferedAt
	}
	return r.CreatedAt
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Role of an authenticated user.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleRider || r == RoleDriver || r == RoleAdmin
}

// Identity is the authenticated caller of an operation.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Presence is a driver's online/available flags and last known position.
// Available implies Online.
type Presence struct {
	DriverID  string    `json:"driver_id"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	Position  Point     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocationPing is a position report pushed by a connected client.
type LocationPing struct {
	UserID string    `json:"user_id"`
	Role   Role      `json:"role"`
	RideID string    `json:"ride_id,omitempty"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	At     time.Time `json:"at"`
}

type Vehicle struct {
	Model string `json:"model,omitempty"`
	Plate string `json:"plate,omitempty"`
	Color string `json:"color,omitempty"`
}

// Party is denormalized display data for a rider or driver.
type Party struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Phone              string   `json:"phone,omitempty"`
	PhotoURL           string   `json:"photo_url,omitempty"`
	Rating             float64  `json:"rating,omitempty"`
	Vehicle            *Vehicle `json:"vehicle,omitempty"`
	SubscriptionActive bool     `json:"-"`
}

// RideView is a ride enriched with party display data for clients.
type RideView struct {
	*Ride
	Rider  *Party `json:"rider,omitempty"`
	Driver *Party `json:"driver,omitempty"`
}
