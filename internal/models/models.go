package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Coord is a WGS84 point. It marshals as a GeoJSON position,
// i.e. a two-element array in [longitude, latitude] order.
type Coord struct {
	Lon float64
	Lat float64
}

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lon, c.Lat})
}

func (c *Coord) UnmarshalJSON(b []byte) error {
	var arr []float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("%w: coordinates must be a [lon, lat] array: %v", ErrInvalidInput, err)
	}
	if len(arr) != 2 {
		return fmt.Errorf("%w: coordinates must have exactly 2 elements, got %d", ErrInvalidInput, len(arr))
	}
	c.Lon, c.Lat = arr[0], arr[1]
	return c.Validate()
}

// Validate rejects non-finite or out-of-range coordinates.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidInput)
	}
	if c.Lon < -180 || c.Lon > 180 || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: coordinate out of range [%f, %f]", ErrInvalidInput, c.Lon, c.Lat)
	}
	return nil
}

// IsZero reports whether the coordinate was never set. (0,0) is open ocean
// and is treated as "missing" throughout this codebase.
func (c Coord) IsZero() bool { return c.Lon == 0 && c.Lat == 0 }

// Request lifecycle.
const (
	RequestPending    = "pending"
	RequestMatched    = "matched"
	RequestInProgress = "in_progress"
	RequestCompleted  = "completed"
	RequestCancelled  = "cancelled"
)

// Suggestion lifecycle.
const (
	SuggestionPending  = "pending"
	SuggestionAccepted = "accepted"
	SuggestionRejected = "rejected"
	SuggestionExpired  = "expired"
)

// Trip lifecycle.
const (
	TripPending    = "pending"
	TripInProgress = "in_progress"
	TripCompleted  = "completed"
	TripCancelled  = "cancelled"
)

// Per-rider status on a trip.
const (
	RiderPending    = "pending"
	RiderPickedUp   = "picked_up"
	RiderDroppedOff = "dropped_off"
	RiderCancelled  = "cancelled"
)

// Gender preference values.
const (
	GenderAny  = "any"
	GenderSame = "same"
)

// Documented preference defaults.
const (
	DefaultMaxDelayMinutes = 10
	DefaultMaxPassengers   = 4
)

// Preferences is the closed set of sharing preferences a rider can express.
// Unset fields are filled in by Normalize, so a request body may omit any of them.
// AllowSharing and MaxDelayMinutes are pointers because false and 0 are
// meaningful values distinct from "not provided".
type Preferences struct {
	AllowSharing     *bool   `json:"allowSharing,omitempty"`
	GenderPreference string  `json:"genderPreference,omitempty"`
	MaxDelayMinutes  *int    `json:"maxDelay,omitempty"`
	MaxPassengers    int     `json:"maxPassengers,omitempty"`
	ComfortLevel     string  `json:"comfortLevel,omitempty"`
	RoutePriority    string  `json:"routePriority,omitempty"`
	MaxDetourKm      float64 `json:"maxDetour,omitempty"`
}

// Normalize fills unset fields with their documented defaults.
func (p *Preferences) Normalize() {
	if p.AllowSharing == nil {
		t := true
		p.AllowSharing = &t
	}
	if p.GenderPreference == "" {
		p.GenderPreference = GenderAny
	}
	if p.MaxDelayMinutes == nil {
		d := DefaultMaxDelayMinutes
		p.MaxDelayMinutes = &d
	}
	if p.MaxPassengers <= 0 {
		p.MaxPassengers = DefaultMaxPassengers
	}
	if p.ComfortLevel == "" {
		p.ComfortLevel = "basic"
	}
	if p.RoutePriority == "" {
		p.RoutePriority = "time"
	}
	if p.MaxDetourKm <= 0 {
		p.MaxDetourKm = 5
	}
}

func (p Preferences) Sharing() bool { return p.AllowSharing != nil && *p.AllowSharing }

func (p Preferences) MaxDelay() int {
	if p.MaxDelayMinutes == nil {
		return DefaultMaxDelayMinutes
	}
	return *p.MaxDelayMinutes
}

// RideRequest is one passenger's ask for transportation.
type RideRequest struct {
	ID          string      `json:"id"`
	RiderID     string      `json:"riderId"`
	RiderGender string      `json:"riderGender,omitempty"`
	Pickup      Coord       `json:"pickupLocation"`
	Dropoff     Coord       `json:"dropoffLocation"`
	Passengers  int         `json:"passengers"`
	Preferences Preferences `json:"preferences"`
	IsEmergency bool        `json:"isEmergency,omitempty"`
	Status      string      `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Shareable reports whether this request may ride with others at all.
// Zero tolerated delay and emergencies override the sharing flag.
func (r RideRequest) Shareable() bool {
	if r.IsEmergency || r.Preferences.MaxDelay() == 0 {
		return false
	}
	return r.Preferences.Sharing()
}

// Driver availability.
const (
	DriverAvailable   = "available"
	DriverUnavailable = "unavailable"
)

type Driver struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Gender         string    `json:"gender,omitempty"`
	Loc            Coord     `json:"currentLocation"`
	Status         string    `json:"status"`
	Rating         float64   `json:"rating"` // 0..5
	TripsCompleted int       `json:"tripsCompleted"`
	VehicleClass   string    `json:"vehicleClass,omitempty"` // basic, premium, luxury
	Updated        time.Time `json:"lastUpdated"`
}

// DriverAssignment tags whether the assigned driver is real or a synthetic
// placeholder produced when no driver was found inside the search radius.
// Callers must check Fallback before treating the assignment as dispatchable.
type DriverAssignment struct {
	Driver   Driver `json:"driver"`
	Fallback bool   `json:"fallback"`
}

// PotentialRider is one co-rider entry on a suggestion.
type PotentialRider struct {
	RiderID               string  `json:"riderId"`
	RequestID             string  `json:"requestId"`
	EstimatedDelayMinutes int     `json:"estimatedDelayMinutes"`
	CompatibilityScore    float64 `json:"compatibilityScore"`
	RouteImpact           float64 `json:"routeImpact"`
	PickupOrder           int     `json:"pickupOrder"`
	DropoffOrder          int     `json:"dropoffOrder"`
}

// OptimizedRoute is the projected shared route geometry plus estimates.
type OptimizedRoute struct {
	Coordinates   []Coord `json:"coordinates"`
	EstimatedTime float64 `json:"estimatedTime"` // minutes
	TrafficImpact float64 `json:"trafficImpact"` // unitless 0..1
	TotalDistance float64 `json:"totalDistance"` // km
}

type RiderPrice struct {
	RiderID string  `json:"riderId"`
	Amount  float64 `json:"amount"`
}

// MatchSuggestion is a proposed driver + co-rider grouping awaiting acceptance.
type MatchSuggestion struct {
	ID               string           `json:"matchId"`
	RequestID        string           `json:"rideRequestId"`
	DriverID         string           `json:"driver"`
	DriverFallback   bool             `json:"driverFallback,omitempty"`
	Score            float64          `json:"matchScore"`
	PotentialRiders  []PotentialRider `json:"potentialRiders"`
	OptimizedRoute   OptimizedRoute   `json:"optimizedRoute"`
	Status           string           `json:"status"`
	EstimatedDelay   int              `json:"estimatedDelay"`     // minutes
	TotalTime        float64          `json:"totalEstimatedTime"` // minutes
	TotalCost        float64          `json:"totalEstimatedCost"` // currency units
	PricePerRider    []RiderPrice     `json:"pricePerRider"`
	EstimatedArrival time.Time        `json:"estimatedArrival"`
	CreatedAt        time.Time        `json:"createdAt"`
	ExpiresAt        time.Time        `json:"expiresAt"`
}

// Expired reports whether the suggestion window has elapsed at t.
func (m MatchSuggestion) Expired(t time.Time) bool {
	return !m.ExpiresAt.IsZero() && t.After(m.ExpiresAt)
}

// TripRider is one rider embedded in a trip.
type TripRider struct {
	RiderID    string  `json:"riderId"`
	Pickup     Coord   `json:"pickupLocation"`
	Dropoff    Coord   `json:"dropoffLocation"`
	Status     string  `json:"status"`
	Fare       float64 `json:"fare"`
	PaymentRef string  `json:"paymentRef,omitempty"` // payment intent holding this rider's fare
}

// Trip is a driver-anchored journey, possibly carrying multiple riders.
type Trip struct {
	ID               string      `json:"id"`
	DriverID         string      `json:"driverId"`
	Status           string      `json:"status"`
	Start            Coord       `json:"startLocation"`
	End              Coord       `json:"endLocation"`
	DriverLoc        Coord       `json:"driverLocation"`
	DriverLocUpdated time.Time   `json:"driverLocationUpdated"`
	Riders           []TripRider `json:"riders"`
	DistanceKm       float64     `json:"distance"`
	DurationMin      float64     `json:"duration"`
	TotalFare        float64     `json:"totalFare"`
	Route            []Coord     `json:"route,omitempty"`
	EstimatedArrival time.Time   `json:"estimatedArrival,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// TerminalTrip reports whether a trip status is terminal.
func TerminalTrip(status string) bool {
	return status == TripCompleted || status == TripCancelled
}
