package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestStatus is the dispatch state of a ride request.
// pending → offering → accepted → picked_up → completed, with cancelled
// reachable from pending/offering and offering falling back to pending on
// reject or expiry.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusOffering  RequestStatus = "offering"
	StatusAccepted  RequestStatus = "accepted"
	StatusPickedUp  RequestStatus = "picked_up"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type RiderStatus string

const (
	RiderOffline RiderStatus = "offline"
	RiderOnline  RiderStatus = "online"
	RiderOnRide  RiderStatus = "onride"
)

// Offer attempt responses. Empty string means the offer is still open.
const (
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
	ResponseExpired  = "expired"
)

// OfferAttempt records one time-boxed offer of a request to a rider.
type OfferAttempt struct {
	RiderID     string     `json:"rider_id"`
	OfferedAt   time.Time  `json:"offered_at"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

type RideRequest struct {
	RequestID     string `json:"request_id"`
	BoothID       string `json:"booth_id"`
	DestinationID string `json:"destination_id"`
	Source        Coord  `json:"source"`
	Destination   Coord  `json:"destination"`

	Status            RequestStatus  `json:"status"`
	AssignedRider     string         `json:"assigned_rider,omitempty"`
	CurrentOfferRider string         `json:"current_offer_rider,omitempty"`
	OfferExpiresAt    *time.Time     `json:"offer_expires_at,omitempty"`
	OfferAttempts     []OfferAttempt `json:"offer_attempts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Attempted reports whether the rider already appears in the attempt history.
func (r *RideRequest) Attempted(riderID string) bool {
	for _, a := range r.OfferAttempts {
		if a.RiderID == riderID {
			return true
		}
	}
	return false
}

type Rider struct {
	RiderID        string      `json:"rider_id"`
	Name           string      `json:"name"`
	Phone          string      `json:"phone,omitempty"`
	Loc            Coord       `json:"loc"`
	Status         RiderStatus `json:"status"`
	PointsBalance  float64     `json:"points_balance"`
	AcceptedRides  int         `json:"accepted_rides"`
	CompletedRides int         `json:"completed_rides"`
	RejectedOffers int         `json:"rejected_offers"`
	LastSeen       time.Time   `json:"last_seen"`
	Banned         bool        `json:"banned"`
}

type Booth struct {
	BoothID string `json:"booth_id"`
	Name    string `json:"name"`
	Loc     Coord  `json:"loc"`
	Address string `json:"address,omitempty"`
	Active  bool   `json:"active"`
}

// RideLog is the immutable record of a completed ride.
type RideLog struct {
	RequestID      string    `json:"request_id"`
	RiderID        string    `json:"rider_id"`
	BoothID        string    `json:"booth_id"`
	DestinationID  string    `json:"destination_id"`
	DistanceMeters float64   `json:"distance_meters"`
	PointsEarned   float64   `json:"points_earned"`
	PickupTime     time.Time `json:"pickup_time"`
	DropoffTime    time.Time `json:"dropoff_time"`
	DurationSec    int64     `json:"duration_sec"`
}

// PointPendingReview is created when a completed ride's distance exceeds the
// review threshold. The dispatch core only ever writes it; resolution is an
// external mutation.
type PointPendingReview struct {
	RequestID      string    `json:"request_id"`
	RiderID        string    `json:"rider_id"`
	DistanceMeters float64   `json:"distance_meters"`
	PointsProposed float64   `json:"points_proposed"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Heartbeat is the rider location/liveness message, both the HTTP body and
// the Kafka payload on the ingest topic.
type Heartbeat struct {
	RiderID   string      `json:"rider_id"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Status    RiderStatus `json:"status,omitempty"`
	SentAt    time.Time   `json:"sent_at,omitempty"`
}

// Event is the envelope pushed to rider and booth transports.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	EventOffer          = "ride:offer"
	EventOfferCancelled = "offer:cancelled"
	EventBoothStatus    = "booth:status"
	EventRequestUpdated = "request:updated"
	EventRideCompleted  = "ride:completed"
)

// Offer is the structured offer event payload sent to a rider transport.
type Offer struct {
	RequestID           string    `json:"request_id"`
	RiderID             string    `json:"rider_id"`
	BoothID             string    `json:"booth_id"`
	DestinationID       string    `json:"destination_id"`
	BoothName           string    `json:"booth_name"`
	DestinationName     string    `json:"destination_name"`
	PickupLocation      Coord     `json:"pickup_location"`
	DestinationLocation Coord     `json:"destination_location"`
	ExpiresAt           time.Time `json:"expires_at"`
	TimeoutSeconds      int       `json:"timeout_seconds"`
}

// LED colors shown on the booth device.
const (
	LEDYellow = "yellow"
	LEDGreen  = "green"
	LEDRed    = "red"
)

// BoothStatus is the status broadcast to the booth LED display and observers.
type BoothStatus struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	LEDColor  string `json:"led_color"`
	Message   string `json:"message"`
	RiderID   string `json:"rider_id,omitempty"`
}

// LEDFor maps a request status to the booth LED color: yellow while the
// request is still being matched, green once a rider is committed, red when
// it is cancelled.
func LEDFor(s RequestStatus) string {
	switch s {
	case StatusPending, StatusOffering:
		return LEDYellow
	case StatusAccepted, StatusPickedUp, StatusCompleted:
		return LEDGreen
	default:
		return LEDRed
	}
}
