package matcher

import (
	"testing"

	"github.com/example/ride-sharing/internal/models"
)

func request(opts ...func(*models.RideRequest)) models.RideRequest {
	r := models.RideRequest{
		ID:         newID(),
		RiderID:    newID(),
		Pickup:     models.Coord{Lon: 31.2357, Lat: 30.0444},
		Dropoff:    models.Coord{Lon: 31.2400, Lat: 30.0500},
		Passengers: 1,
		Status:     models.RequestPending,
	}
	r.Preferences.Normalize()
	for _, o := range opts {
		o(&r)
	}
	return r
}

func noSharing(r *models.RideRequest) {
	f := false
	r.Preferences.AllowSharing = &f
}

func TestNonSharingNeverCompatible(t *testing.T) {
	ref := request(noSharing)
	cand := request()
	if Compatible(ref, cand) || Compatible(cand, ref) {
		t.Fatal("allowSharing=false must be incompatible with everyone")
	}
}

func TestGenderPreferenceConflict(t *testing.T) {
	ref := request(func(r *models.RideRequest) {
		r.RiderGender = "male"
		r.Preferences.GenderPreference = models.GenderSame
	})
	other := request(func(r *models.RideRequest) { r.RiderGender = "female" })
	if Compatible(ref, other) {
		t.Fatal("same-gender preference must reject a different-gender candidate")
	}

	same := request(func(r *models.RideRequest) { r.RiderGender = "male" })
	if !Compatible(ref, same) {
		t.Fatal("same-gender pair should be compatible")
	}
}

func TestGenderPreferenceAppliesBothWays(t *testing.T) {
	ref := request(func(r *models.RideRequest) { r.RiderGender = "male" })
	cand := request(func(r *models.RideRequest) {
		r.RiderGender = "female"
		r.Preferences.GenderPreference = models.GenderSame
	})
	if Compatible(ref, cand) {
		t.Fatal("candidate's gender preference must also be honored")
	}
}

func TestAnyAnyDependsOnlyOnSharingAndCapacity(t *testing.T) {
	ref := request()
	cand := request()
	if !Compatible(ref, cand) {
		t.Fatal("defaults should be compatible")
	}
}

func TestCapacityViolation(t *testing.T) {
	ref := request(func(r *models.RideRequest) { r.Passengers = 3 })
	cand := request(func(r *models.RideRequest) { r.Passengers = 2 })
	// 3 + 2 > min(4, 4)
	if Compatible(ref, cand) {
		t.Fatal("combined passengers above shared seat limit must be incompatible")
	}
}

func TestCapacityUsesStricterLimit(t *testing.T) {
	ref := request(func(r *models.RideRequest) { r.Passengers = 1 })
	cand := request(func(r *models.RideRequest) {
		r.Passengers = 1
		r.Preferences.MaxPassengers = 2
	})
	if !Compatible(ref, cand) {
		t.Fatal("1+1 fits the stricter limit of 2")
	}
	cand.Passengers = 2
	if Compatible(ref, cand) {
		t.Fatal("1+2 exceeds the stricter limit of 2")
	}
}

func TestZeroDelayAndEmergencyNonShareable(t *testing.T) {
	zero := 0
	zeroDelay := request(func(r *models.RideRequest) { r.Preferences.MaxDelayMinutes = &zero })
	if Compatible(zeroDelay, request()) {
		t.Fatal("maxDelay=0 must be non-shareable regardless of allowSharing")
	}
	emergency := request(func(r *models.RideRequest) { r.IsEmergency = true })
	if Compatible(emergency, request()) {
		t.Fatal("emergency requests must be non-shareable")
	}
}

func TestCompatibilityScoreRange(t *testing.T) {
	ref := request()
	cand := request(func(r *models.RideRequest) {
		r.Pickup = models.Coord{Lon: 31.2360, Lat: 30.0446}
		r.Dropoff = models.Coord{Lon: 31.2402, Lat: 30.0502}
	})
	s := CompatibilityScore(ref, cand)
	if s < 0 || s > 1 {
		t.Fatalf("score out of range: %f", s)
	}
	// a nearby pair beats a far one
	far := request(func(r *models.RideRequest) {
		r.Pickup = models.Coord{Lon: 31.25, Lat: 30.06}
		r.Dropoff = models.Coord{Lon: 31.28, Lat: 30.09}
	})
	if CompatibilityScore(ref, far) >= s {
		t.Fatal("closer candidate should score higher")
	}
}
