package matcher

import (
	"sort"
	"time"

	"github.com/example/ride-sharing/internal/models"
)

// Composite score weights from the ranking policy: compatibility 40%,
// route impact 30%, delay 30% with 30 minutes as the full-penalty horizon.
const (
	weightCompatibility = 0.4
	weightRouteImpact   = 0.3
	weightDelay         = 0.3
	delayHorizonMinutes = 30.0
)

// Impact is one candidate's scoring record.
type Impact struct {
	CompatibilityScore    float64
	RouteImpact           float64
	EstimatedDelayMinutes int
	CreatedAt             time.Time // candidate request creation, for first-come tie-breaks
}

// Composite folds the three signals into one ranking score. The result can
// go negative for extreme delays; callers treat that as a poor fit, not an
// error.
func Composite(imp Impact) float64 {
	return weightCompatibility*imp.CompatibilityScore +
		weightRouteImpact*(1-imp.RouteImpact) +
		weightDelay*(1-float64(imp.EstimatedDelayMinutes)/delayHorizonMinutes)
}

// Rank orders candidates by descending composite score. Ties go to the
// lower delay, then to the earlier request so results are deterministic.
// Returns at most topN entries (default 5 when topN <= 0).
func Rank[T any](items []T, impactOf func(T) Impact, topN int) []T {
	if topN <= 0 {
		topN = 5
	}
	out := make([]T, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := impactOf(out[i]), impactOf(out[j])
		sa, sb := Composite(a), Composite(b)
		if sa != sb {
			return sa > sb
		}
		if a.EstimatedDelayMinutes != b.EstimatedDelayMinutes {
			return a.EstimatedDelayMinutes < b.EstimatedDelayMinutes
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Driver selection weights: distance 40%, rating 30%, experience 20%,
// vehicle/preference match 10%. Experience saturates at 100 trips.
const (
	driverWeightDistance   = 0.4
	driverWeightRating     = 0.3
	driverWeightExperience = 0.2
	driverWeightVehicle    = 0.1
	experienceCapTrips     = 100.0
)

// DriverOption is one nearby driver with its distance to the pickup point.
type DriverOption struct {
	Driver     models.Driver
	DistanceKm float64
}

// DriverScore grades one driver for a request. radiusKm normalizes the
// distance term.
func DriverScore(opt DriverOption, req models.RideRequest, radiusKm float64) float64 {
	distScore := 1 - clamp01(opt.DistanceKm/radiusKm)
	ratingScore := clamp01(opt.Driver.Rating / 5)
	expScore := clamp01(float64(opt.Driver.TripsCompleted) / experienceCapTrips)
	vehicleScore := vehicleMatch(opt.Driver, req)
	return driverWeightDistance*distScore +
		driverWeightRating*ratingScore +
		driverWeightExperience*expScore +
		driverWeightVehicle*vehicleScore
}

func vehicleMatch(d models.Driver, req models.RideRequest) float64 {
	if d.VehicleClass == "" || req.Preferences.ComfortLevel == "" {
		return 0.5
	}
	if d.VehicleClass == req.Preferences.ComfortLevel {
		return 1
	}
	return 0
}

// SelectDriver picks the best driver for a request. Priority requests
// (emergencies, zero tolerated delay) take the nearest driver outright;
// otherwise the weighted score decides, with distance breaking ties.
func SelectDriver(opts []DriverOption, req models.RideRequest, radiusKm float64, priority bool) (models.Driver, bool) {
	if len(opts) == 0 {
		return models.Driver{}, false
	}
	best := opts[0]
	if priority {
		for _, o := range opts[1:] {
			if o.DistanceKm < best.DistanceKm {
				best = o
			}
		}
		return best.Driver, true
	}
	bestScore := DriverScore(best, req, radiusKm)
	for _, o := range opts[1:] {
		s := DriverScore(o, req, radiusKm)
		if s > bestScore || (s == bestScore && o.DistanceKm < best.DistanceKm) {
			best, bestScore = o, s
		}
	}
	return best.Driver, true
}
