package models

import "time"

type EventName string

const (
	EventNewRideOffer       EventName = "new_ride_offer"
	EventRideAccepted       EventName = "ride_accepted"
	EventRideStarted        EventName = "ride_started"
	EventRideCompleted      EventName = "ride_completed"
	EventRideCancelled      EventName = "ride_cancelled"
	EventRideDeclined       EventName = "ride_declined"
	EventRideOfferExpired   EventName = "ride_offer_expired"
	EventNoDriversAvailable EventName = "no_drivers_available"
	EventLocationUpdate     EventName = "location_update"
	EventPong               EventName = "pong"
	EventError              EventName = "error"
)

// Envelope is the frame pushed to realtime clients.
type Envelope struct {
	Event  EventName `json:"event"`
	Data   any       `json:"data,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// RideOffer is the payload of new_ride_offer.
type RideOffer struct {
	*RideView
	DistanceToPickupKm float64   `json:"distance_to_pickup_km,omitempty"`
	ETASeconds         float64   `json:"eta_seconds,omitempty"`
	Direct             bool      `json:"direct"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// RideNotice is the minimal payload for declines, expiries and empty matches.
type RideNotice struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// LocationUpdate is relayed to the counterpart of an active ride.
type LocationUpdate struct {
	RideID string    `json:"ride_id"`
	UserID string    `json:"user_id"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	At     time.Time `json:"at"`
}

// RideEvent mirrors a lifecycle transition to external inbox/push systems.
type RideEvent struct {
	ID         string    `json:"id"`
	Event      EventName `json:"event"`
	RideID     string    `json:"ride_id"`
	Status     Status    `json:"status"`
	ActorID    string    `json:"actor_id,omitempty"`
	Recipients []string  `json:"recipients"`
	Reason     string    `json:"reason,omitempty"`
	Ride       *Ride     `json:"ride,omitempty"`
	At         time.Time `json:"at"`
}
