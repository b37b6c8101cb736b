package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-sharing/internal/dispatch"
	"github.com/example/ride-sharing/internal/eta"
	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/models"
	"github.com/example/ride-sharing/internal/storage"
)

type fakeGeo struct{ drivers []models.Driver }

func (f *fakeGeo) Nearby(center models.Coord, radiusM float64, limit int) []models.Driver {
	var out []models.Driver
	for _, d := range f.drivers {
		if d.Status == models.DriverAvailable && geo.Haversine(center, d.Loc)*1000 <= radiusM {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeGeo) Upsert(d models.Driver) { f.drivers = append(f.drivers, d) }

func (f *fakeGeo) SetStatus(driverID, status string) {
	for i := range f.drivers {
		if f.drivers[i].ID == driverID {
			f.drivers[i].Status = status
		}
	}
}

type capturedEvent struct {
	Room    string
	Event   string
	Payload any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *capturePublisher) Publish(room, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{room, event, payload})
	return nil
}

func (c *capturePublisher) byEvent(event string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, e := range c.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// failingStore wraps the memory store and fails selected operations.
type failingStore struct {
	*storage.MemoryStore
	failPendingNear bool
	failSave        bool
}

func (f *failingStore) PendingNear(ctx context.Context, c models.Coord, r float64, ex string) ([]models.RideRequest, error) {
	if f.failPendingNear {
		return nil, errors.New("db down")
	}
	return f.MemoryStore.PendingNear(ctx, c, r, ex)
}

func (f *failingStore) SaveMatches(ctx context.Context, id, st string, s []models.MatchSuggestion) error {
	if f.failSave {
		return errors.New("db down")
	}
	return f.MemoryStore.SaveMatches(ctx, id, st, s)
}

// testClock is pinned off-peak so demand multipliers stay constant.
func testClock() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

func newTestService(store storage.Store, drivers ...models.Driver) (*Service, *capturePublisher) {
	pub := &capturePublisher{}
	svc := NewService(&fakeGeo{drivers: drivers}, eta.NewEstimator(), store, pub, nil)
	svc.Now = testClock
	return svc, pub
}

func availableDriver(id string) models.Driver {
	return models.Driver{
		ID:             id,
		Loc:            models.Coord{Lon: 31.2360, Lat: 30.0448},
		Status:         models.DriverAvailable,
		Rating:         4.8,
		TripsCompleted: 120,
		VehicleClass:   "basic",
	}
}

func submit(t *testing.T, svc *Service, r models.RideRequest) models.RideRequest {
	t.Helper()
	if err := svc.SubmitRequest(context.Background(), &r); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return r
}

func TestMatchScenarioProducesRankedSuggestions(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, pub := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	co := request(func(r *models.RideRequest) {
		r.Pickup = models.Coord{Lon: 31.2358, Lat: 30.0445}
		r.Dropoff = models.Coord{Lon: 31.2401, Lat: 30.0501}
	})
	co = submit(t, svc, co)

	ref := submit(t, svc, request())
	got, err := svc.MatchRequest(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) < 1 || len(got) > 5 {
		t.Fatalf("expected 0..5 suggestions with one candidate present, got %d", len(got))
	}
	for _, sg := range got {
		if sg.TotalCost <= 0 {
			t.Fatalf("cost must be positive: %+v", sg)
		}
		if len(sg.OptimizedRoute.Coordinates) < 2 {
			t.Fatalf("route must have at least 2 points: %+v", sg.OptimizedRoute)
		}
		if sg.ExpiresAt.IsZero() || !sg.ExpiresAt.After(sg.CreatedAt) {
			t.Fatalf("expiration must be set: %+v", sg)
		}
		if sg.DriverID != "d1" || sg.DriverFallback {
			t.Fatalf("expected real driver assignment: %+v", sg)
		}
	}

	updated, err := store.GetRequest(ctx, ref.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.RequestMatched {
		t.Fatalf("request should be matched, got %s", updated.Status)
	}
	if len(pub.byEvent(dispatch.EventNewMatchSuggestion)) != len(got) {
		t.Fatal("one event per suggestion expected")
	}

	found := false
	for _, pr := range got[0].PotentialRiders {
		if pr.RiderID == co.RiderID {
			found = true
		}
	}
	if !found {
		t.Fatal("compatible nearby rider missing from the suggestion")
	}
}

func TestNonSharingPairNeverCoRiders(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	solo := submit(t, svc, request(noSharing))
	ref := submit(t, svc, request())

	got, err := svc.MatchRequest(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	for _, sg := range got {
		for _, pr := range sg.PotentialRiders {
			if pr.RiderID == solo.RiderID {
				t.Fatal("non-sharing rider appeared as co-rider")
			}
		}
	}
}

func TestCapacityViolationYieldsZeroMatches(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))

	ref := submit(t, svc, request(func(r *models.RideRequest) { r.Passengers = 5 }))
	got, err := svc.MatchRequest(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected zero matches for passengers=5 maxPassengers=4, got %d", len(got))
	}
}

func TestZeroCandidatesYieldsZeroSuggestions(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	ref := submit(t, svc, request())
	got, err := svc.MatchRequest(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("no candidates should mean no suggestions, got %d", len(got))
	}
	r, _ := store.GetRequest(ctx, ref.ID)
	if r.Status != models.RequestPending {
		t.Fatalf("request must stay pending, got %s", r.Status)
	}
}

func TestEmergencyRequestMatchedSolo(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	submit(t, svc, request()) // a would-be co-rider nearby
	ref := submit(t, svc, request(func(r *models.RideRequest) { r.IsEmergency = true }))

	got, err := svc.MatchRequest(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("emergency should yield one solo suggestion, got %d", len(got))
	}
	if len(got[0].PotentialRiders) != 1 {
		t.Fatalf("emergency ride must not carry co-riders: %+v", got[0].PotentialRiders)
	}
}

func TestFallbackDriverTagged(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store) // no drivers at all
	ctx := context.Background()

	ref := submit(t, svc, request(func(r *models.RideRequest) { r.IsEmergency = true }))
	got, err := svc.MatchRequest(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].DriverFallback {
		t.Fatalf("expected a tagged fallback assignment, got %+v", got)
	}
}

func TestQueryFailureAbortsPipeline(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failPendingNear: true}
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	ref := submit(t, svc, request())
	_, err := svc.MatchRequest(ctx, ref)
	if !errors.Is(err, models.ErrMatchingFailed) {
		t.Fatalf("expected ErrMatchingFailed, got %v", err)
	}
	r, _ := store.GetRequest(ctx, ref.ID)
	if r.Status != models.RequestPending {
		t.Fatalf("request must stay pending for retry, got %s", r.Status)
	}
}

func TestPersistFailureLeavesNoPartialState(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failSave: true}
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	submit(t, svc, request()) // candidate so suggestions are built
	ref := submit(t, svc, request())
	_, err := svc.MatchRequest(ctx, ref)
	if !errors.Is(err, models.ErrMatchingFailed) {
		t.Fatalf("expected ErrMatchingFailed, got %v", err)
	}
	pending, _ := store.PendingForRequest(ctx, ref.ID)
	if len(pending) != 0 {
		t.Fatalf("no suggestions may survive a failed persist, got %d", len(pending))
	}
	// the driver reservation must have been released for the next run
	if svc.Reservations.Reserved("d1", "other-request", testClock()) {
		t.Fatal("driver reservation leaked after failure")
	}
}

func TestDriverReservationPreventsDoubleAssignment(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	a := submit(t, svc, request(func(r *models.RideRequest) { r.IsEmergency = true }))
	b := submit(t, svc, request(func(r *models.RideRequest) { r.IsEmergency = true }))

	ga, err := svc.MatchRequest(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	gb, err := svc.MatchRequest(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if ga[0].DriverID == gb[0].DriverID && !gb[0].DriverFallback {
		t.Fatal("same driver assigned to two concurrent requests")
	}
}

func TestPreferenceFlipInvalidatesBeforeRematch(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	submit(t, svc, request()) // candidate
	ref := submit(t, svc, request())
	first, err := svc.MatchRequest(ctx, ref)
	if err != nil || len(first) == 0 {
		t.Fatalf("want initial suggestions, got %v err=%v", first, err)
	}

	prefs := ref.Preferences
	f := false
	prefs.AllowSharing = &f
	_, second, rematched, err := svc.UpdatePreferences(ctx, ref.ID, prefs)
	if err != nil {
		t.Fatal(err)
	}
	if !rematched {
		t.Fatal("sharing flip must trigger re-matching")
	}

	pending, _ := store.PendingForRequest(ctx, ref.ID)
	ids := make(map[string]bool, len(second))
	for _, sg := range second {
		ids[sg.ID] = true
	}
	for _, sg := range pending {
		if !ids[sg.ID] {
			t.Fatalf("stale pending suggestion %s survived the flip", sg.ID)
		}
	}
	for _, old := range first {
		got, err := store.GetSuggestion(ctx, old.ID)
		if err == nil && got.Status == models.SuggestionPending {
			t.Fatalf("old suggestion %s still pending", old.ID)
		}
	}
}

func TestPreferenceUpdateWithoutFlipKeepsSuggestions(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	submit(t, svc, request())
	ref := submit(t, svc, request())
	first, err := svc.MatchRequest(ctx, ref)
	if err != nil || len(first) == 0 {
		t.Fatalf("want initial suggestions, err=%v", err)
	}

	prefs := ref.Preferences
	d := 15
	prefs.MaxDelayMinutes = &d
	_, _, rematched, err := svc.UpdatePreferences(ctx, ref.ID, prefs)
	if err != nil {
		t.Fatal(err)
	}
	if rematched {
		t.Fatal("non-sharing change must not re-match")
	}
	pending, _ := store.PendingForRequest(ctx, ref.ID)
	if len(pending) != len(first) {
		t.Fatalf("suggestions should be untouched, got %d", len(pending))
	}
}

func TestResolveMatchAcceptReject(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, pub := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	submit(t, svc, request())
	ref := submit(t, svc, request())
	got, err := svc.MatchRequest(ctx, ref)
	if err != nil || len(got) == 0 {
		t.Fatalf("want suggestions, err=%v", err)
	}

	sg, err := svc.ResolveMatch(ctx, got[0].ID, ref.RiderID, true)
	if err != nil {
		t.Fatal(err)
	}
	if sg.Status != models.SuggestionAccepted {
		t.Fatalf("expected accepted, got %s", sg.Status)
	}
	if len(pub.byEvent(dispatch.EventMatchStatusUpdate)) == 0 {
		t.Fatal("status update event missing")
	}

	if _, err := svc.ResolveMatch(ctx, got[0].ID, ref.RiderID, false); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("double resolution should fail with ErrInvalidInput, got %v", err)
	}
}

func TestResolveMatchNotFound(t *testing.T) {
	svc, _ := newTestService(storage.NewMemoryStore())
	if _, err := svc.ResolveMatch(context.Background(), "missing", "r", true); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveMatchExpired(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	submit(t, svc, request())
	ref := submit(t, svc, request())
	got, err := svc.MatchRequest(ctx, ref)
	if err != nil || len(got) == 0 {
		t.Fatalf("want suggestions, err=%v", err)
	}

	// advance the clock past the suggestion window
	svc.Now = func() time.Time { return testClock().Add(10 * time.Minute) }
	if _, err := svc.ResolveMatch(ctx, got[0].ID, ref.RiderID, true); !errors.Is(err, models.ErrExpiredSuggestion) {
		t.Fatalf("expected ErrExpiredSuggestion, got %v", err)
	}
}

func TestRejectReleasesDriverReservation(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _ := newTestService(store, availableDriver("d1"))
	ctx := context.Background()

	ref := submit(t, svc, request(func(r *models.RideRequest) { r.IsEmergency = true }))
	got, err := svc.MatchRequest(ctx, ref)
	if err != nil || len(got) != 1 {
		t.Fatalf("want one suggestion, err=%v", err)
	}
	if !svc.Reservations.Reserved("d1", "someone-else", testClock()) {
		t.Fatal("driver should be reserved while suggestion is pending")
	}
	if _, err := svc.ResolveMatch(ctx, got[0].ID, ref.RiderID, false); err != nil {
		t.Fatal(err)
	}
	if svc.Reservations.Reserved("d1", "someone-else", testClock()) {
		t.Fatal("rejection must release the driver reservation")
	}
}

func TestInvalidCoordinatesRejected(t *testing.T) {
	svc, _ := newTestService(storage.NewMemoryStore())
	bad := request(func(r *models.RideRequest) { r.Pickup = models.Coord{} })
	if err := svc.SubmitRequest(context.Background(), &bad); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
