package eta

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/models"
)

// routeEpsilon is the perturbation applied to a point that would otherwise
// duplicate its predecessor, keeping route geometry free of zero-length segments.
const routeEpsilon = 0.0005

// Estimator projects routes, delays, prices and arrival times for a ride
// request and an optional set of compatible co-riders. All outputs are
// deterministic for a given clock reading.
type Estimator struct {
	AvgSpeedKmh     float64 // average driving speed, default 30
	BaseFare        float64 // flag-fall in currency units
	SharingDiscount float64 // fraction of the total discounted on shared trips, default 0.20

	// Optional external routing engine for driver->pickup legs,
	// with a small TTL cache in front of it. Falls back to the
	// haversine estimate when unset or erroring.
	Client Client
	Cache  *Cache
}

func NewEstimator() *Estimator {
	return &Estimator{AvgSpeedKmh: 30, BaseFare: 10, SharingDiscount: 0.20}
}

// RiderEstimate carries the per-co-rider signals the scorer consumes.
type RiderEstimate struct {
	RequestID             string
	RiderID               string
	EstimatedDelayMinutes int
	RouteImpact           float64
	PickupOrder           int
	DropoffOrder          int
}

// Estimate is the full projection for one reference request plus co-riders.
type Estimate struct {
	Route            models.OptimizedRoute
	Riders           []RiderEstimate // co-riders only, reference excluded
	TotalPrice       float64
	PerRider         []models.RiderPrice
	EstimatedArrival time.Time
}

// TrafficImpact returns the unitless 0..1 congestion factor for a wall-clock
// reading. Two daily peaks: morning 07:00-09:00 and evening 16:00-19:00.
func TrafficImpact(t time.Time) float64 {
	switch h := t.Hour(); {
	case h >= 7 && h < 9:
		return 0.8
	case h >= 16 && h < 19:
		return 0.7
	default:
		return 0.3
	}
}

// DemandMultiplier scales prices by time of day over the same peak windows.
func DemandMultiplier(t time.Time) float64 {
	switch h := t.Hour(); {
	case h >= 7 && h < 9:
		return 1.5
	case h >= 16 && h < 19:
		return 1.4
	default:
		return 1.0
	}
}

// DelayMinutes derives a co-rider's detour delay from the base driving time
// and the current traffic factor: round(base * (1 + traffic) / 2).
func DelayMinutes(baseMinutes, traffic float64) int {
	return int(math.Round(baseMinutes * (1 + traffic) / 2))
}

// AnalyzeRoute projects the direct route for a single request.
func (e *Estimator) AnalyzeRoute(req models.RideRequest, now time.Time) (models.OptimizedRoute, error) {
	return e.buildRoute(req, nil, now)
}

// Estimate projects the shared route, per-co-rider delay and impact signals,
// the total and per-rider prices, and the driver's arrival at the reference
// pickup. Fails with ErrInvalidInput when required coordinates are missing.
func (e *Estimator) Estimate(req models.RideRequest, coriders []models.RideRequest, driver models.Driver, now time.Time) (Estimate, error) {
	route, err := e.buildRoute(req, coriders, now)
	if err != nil {
		return Estimate{}, err
	}

	baseDist := geo.Haversine(req.Pickup, req.Dropoff)
	baseMinutes := e.minutes(baseDist)
	traffic := route.TrafficImpact

	riders := make([]RiderEstimate, 0, len(coriders))
	for i, c := range coriders {
		// marginal detour of folding this candidate into the direct route
		detour := geo.Haversine(req.Pickup, c.Pickup) + geo.Haversine(c.Dropoff, req.Dropoff)
		impact := 0.0
		if baseDist > 0 {
			impact = clamp01(detour / baseDist)
		}
		riders = append(riders, RiderEstimate{
			RequestID:             c.ID,
			RiderID:               c.RiderID,
			EstimatedDelayMinutes: DelayMinutes(baseMinutes, traffic),
			RouteImpact:           impact,
			PickupOrder:           i + 2, // reference rider is always picked up first
			DropoffOrder:          i + 1, // co-riders drop before the reference dropoff
		})
	}

	total := e.Price(route, now)
	perRider := e.perRiderPrices(total, req, coriders)

	arrival := now.Add(e.driverLeg(driver.Loc, req.Pickup, now))

	return Estimate{
		Route:            route,
		Riders:           riders,
		TotalPrice:       total,
		PerRider:         perRider,
		EstimatedArrival: arrival,
	}, nil
}

// Price computes base fare x distance multiplier x time multiplier x demand
// multiplier. Multipliers grow linearly with distance and duration so longer
// trips cost more without any tier cliffs.
func (e *Estimator) Price(route models.OptimizedRoute, now time.Time) float64 {
	distanceMult := 1 + route.TotalDistance*0.35
	timeMult := 1 + route.EstimatedTime*0.02
	return round2(e.BaseFare * distanceMult * timeMult * DemandMultiplier(now))
}

func (e *Estimator) perRiderPrices(total float64, req models.RideRequest, coriders []models.RideRequest) []models.RiderPrice {
	n := 1 + len(coriders)
	if n == 1 {
		return []models.RiderPrice{{RiderID: req.RiderID, Amount: total}}
	}
	// the sharing discount comes off the pooled total before the even split
	share := round2(total * (1 - e.SharingDiscount) / float64(n))
	out := make([]models.RiderPrice, 0, n)
	out = append(out, models.RiderPrice{RiderID: req.RiderID, Amount: share})
	for _, c := range coriders {
		out = append(out, models.RiderPrice{RiderID: c.RiderID, Amount: share})
	}
	return out
}

// driverLeg returns the driving time between the driver and the pickup point,
// scaled by the time-of-day traffic factor. Uses the external routing engine
// when available, falling back to the haversine estimate.
func (e *Estimator) driverLeg(from, to models.Coord, now time.Time) time.Duration {
	var minutes float64
	if e.Client != nil {
		if e.Cache != nil {
			if v, ok := e.Cache.Get(from, to); ok {
				minutes = v / 60
			}
		}
		if minutes == 0 {
			if secs, err := e.Client.EstimateSeconds(from, to); err == nil {
				minutes = secs / 60
				if e.Cache != nil {
					e.Cache.Set(from, to, secs)
				}
			}
		}
	}
	if minutes == 0 {
		minutes = e.minutes(geo.Haversine(from, to))
	}
	minutes *= 1 + TrafficImpact(now)
	return time.Duration(minutes * float64(time.Minute))
}

func (e *Estimator) buildRoute(req models.RideRequest, coriders []models.RideRequest, now time.Time) (models.OptimizedRoute, error) {
	if req.Pickup.IsZero() || req.Dropoff.IsZero() {
		return models.OptimizedRoute{}, fmt.Errorf("%w: request %s missing pickup or dropoff coordinates", models.ErrInvalidInput, req.ID)
	}
	if err := req.Pickup.Validate(); err != nil {
		return models.OptimizedRoute{}, err
	}
	if err := req.Dropoff.Validate(); err != nil {
		return models.OptimizedRoute{}, err
	}
	for _, c := range coriders {
		if c.Pickup.IsZero() || c.Dropoff.IsZero() {
			return models.OptimizedRoute{}, fmt.Errorf("%w: co-rider request %s missing coordinates", models.ErrInvalidInput, c.ID)
		}
	}

	// pickups first (nearest to the reference pickup leads), then dropoffs,
	// with the reference dropoff terminating the route
	pickups := make([]models.Coord, 0, len(coriders))
	dropoffs := make([]models.Coord, 0, len(coriders))
	for _, c := range coriders {
		pickups = append(pickups, c.Pickup)
		dropoffs = append(dropoffs, c.Dropoff)
	}
	sort.Slice(pickups, func(i, j int) bool {
		return geo.Haversine(req.Pickup, pickups[i]) < geo.Haversine(req.Pickup, pickups[j])
	})
	sort.Slice(dropoffs, func(i, j int) bool {
		return geo.Haversine(req.Dropoff, dropoffs[i]) > geo.Haversine(req.Dropoff, dropoffs[j])
	})

	coords := make([]models.Coord, 0, 2+2*len(coriders))
	coords = append(coords, req.Pickup)
	coords = append(coords, pickups...)
	coords = append(coords, dropoffs...)
	coords = append(coords, req.Dropoff)
	coords = perturbDegenerate(coords)

	var dist float64
	for i := 1; i < len(coords); i++ {
		dist += geo.Haversine(coords[i-1], coords[i])
	}

	traffic := TrafficImpact(now)
	return models.OptimizedRoute{
		Coordinates:   coords,
		EstimatedTime: round2(e.minutes(dist) * (1 + traffic)),
		TrafficImpact: traffic,
		TotalDistance: round2(dist),
	}, nil
}

// perturbDegenerate nudges any point that duplicates its predecessor so the
// LineString never contains a zero-length segment.
func perturbDegenerate(coords []models.Coord) []models.Coord {
	for i := 1; i < len(coords); i++ {
		if coords[i] == coords[i-1] {
			coords[i].Lon += routeEpsilon
			coords[i].Lat += routeEpsilon
		}
	}
	return coords
}

func (e *Estimator) minutes(distKm float64) float64 {
	speed := e.AvgSpeedKmh
	if speed <= 0 {
		speed = 30
	}
	return distKm / speed * 60
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
