package matcher

import (
	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/models"
)

// Compatible decides whether a candidate request can share a vehicle with
// the reference request. Pickup proximity is enforced upstream by the
// radius query; everything here is preference and capacity.
func Compatible(ref, cand models.RideRequest) bool {
	if !ref.Shareable() || !cand.Shareable() {
		return false
	}
	if !genderOK(ref, cand) || !genderOK(cand, ref) {
		return false
	}
	maxSeats := ref.Preferences.MaxPassengers
	if cand.Preferences.MaxPassengers < maxSeats {
		maxSeats = cand.Preferences.MaxPassengers
	}
	return ref.Passengers+cand.Passengers <= maxSeats
}

// genderOK checks a's preference against b's gender attribute.
func genderOK(a, b models.RideRequest) bool {
	if a.Preferences.GenderPreference == models.GenderAny {
		return true
	}
	return a.RiderGender != "" && a.RiderGender == b.RiderGender
}

// CompatibilityScore grades an already-compatible pair in [0,1]:
// pickup proximity 40%, dropoff proximity 30%, delay headroom 30%.
// Proximity terms normalize against the 2 km rider search radius and a
// 5 km dropoff band.
func CompatibilityScore(ref, cand models.RideRequest) float64 {
	pickupKm := geo.Haversine(ref.Pickup, cand.Pickup)
	dropoffKm := geo.Haversine(ref.Dropoff, cand.Dropoff)

	pickupScore := 1 - clamp01(pickupKm/2)
	dropoffScore := 1 - clamp01(dropoffKm/5)

	headroom := ref.Preferences.MaxDelay()
	if cand.Preferences.MaxDelay() < headroom {
		headroom = cand.Preferences.MaxDelay()
	}
	delayScore := clamp01(float64(headroom) / float64(models.DefaultMaxDelayMinutes))

	return 0.4*pickupScore + 0.3*dropoffScore + 0.3*delayScore
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
