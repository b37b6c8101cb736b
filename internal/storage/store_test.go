package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-sharing/internal/models"
)

func pendingRequest(id string, lon, lat float64, age time.Duration) *models.RideRequest {
	return &models.RideRequest{
		ID:        id,
		RiderID:   "rider-" + id,
		Pickup:    models.Coord{Lon: lon, Lat: lat},
		Dropoff:   models.Coord{Lon: lon + 0.01, Lat: lat + 0.01},
		Status:    models.RequestPending,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestPendingNearFiltersAndOrders(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	near := pendingRequest("a", 31.2357, 30.0444, 2*time.Minute)
	nearNewer := pendingRequest("b", 31.2360, 30.0446, time.Minute)
	far := pendingRequest("c", 31.40, 30.20, time.Minute)
	for _, r := range []*models.RideRequest{near, nearNewer, far} {
		if err := m.CreateRequest(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	matched := pendingRequest("d", 31.2357, 30.0444, time.Minute)
	matched.Status = models.RequestMatched
	if err := m.CreateRequest(ctx, matched); err != nil {
		t.Fatal(err)
	}

	got, err := m.PendingNear(ctx, models.Coord{Lon: 31.2357, Lat: 30.0444}, 2000, "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the two nearby pending requests, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected oldest first, got %s then %s", got[0].ID, got[1].ID)
	}

	got, err = m.PendingNear(ctx, models.Coord{Lon: 31.2357, Lat: 30.0444}, 2000, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("exclusion by id failed: %+v", got)
	}
}

func TestSaveMatchesReplacesPendingSet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	req := pendingRequest("r1", 31.23, 30.04, 0)
	if err := m.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	first := []models.MatchSuggestion{
		{ID: "s1", RequestID: "r1", Status: models.SuggestionPending},
		{ID: "s2", RequestID: "r1", Status: models.SuggestionPending},
	}
	if err := m.SaveMatches(ctx, "r1", models.RequestMatched, first); err != nil {
		t.Fatal(err)
	}

	// an accepted suggestion must survive the replacement
	if err := m.UpdateSuggestionStatus(ctx, "s1", models.SuggestionAccepted); err != nil {
		t.Fatal(err)
	}

	second := []models.MatchSuggestion{{ID: "s3", RequestID: "r1", Status: models.SuggestionPending}}
	if err := m.SaveMatches(ctx, "r1", models.RequestMatched, second); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetSuggestion(ctx, "s2"); !errors.Is(err, models.ErrNotFound) {
		t.Fatal("old pending suggestion should be gone")
	}
	if _, err := m.GetSuggestion(ctx, "s1"); err != nil {
		t.Fatal("accepted suggestion must not be replaced")
	}
	pending, _ := m.PendingForRequest(ctx, "r1")
	if len(pending) != 1 || pending[0].ID != "s3" {
		t.Fatalf("pending set not replaced: %+v", pending)
	}

	r, _ := m.GetRequest(ctx, "r1")
	if r.Status != models.RequestMatched {
		t.Fatalf("request status not updated: %s", r.Status)
	}
}

func TestSaveMatchesUnknownRequest(t *testing.T) {
	m := NewMemoryStore()
	err := m.SaveMatches(context.Background(), "missing", models.RequestMatched, nil)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidatePendingReturnsMarked(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	req := pendingRequest("r1", 31.23, 30.04, 0)
	if err := m.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	sgs := []models.MatchSuggestion{
		{ID: "s1", RequestID: "r1", DriverID: "d1", Status: models.SuggestionPending},
		{ID: "s2", RequestID: "r1", DriverID: "d2", Status: models.SuggestionPending},
	}
	if err := m.SaveMatches(ctx, "r1", models.RequestMatched, sgs); err != nil {
		t.Fatal(err)
	}

	marked, err := m.InvalidatePending(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 2 {
		t.Fatalf("expected both suggestions invalidated, got %d", len(marked))
	}
	for _, sg := range marked {
		got, err := m.GetSuggestion(ctx, sg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != models.SuggestionExpired {
			t.Fatalf("suggestion %s still %s", sg.ID, got.Status)
		}
	}
}

func TestExpireDue(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	req := pendingRequest("r1", 31.23, 30.04, 0)
	if err := m.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	sgs := []models.MatchSuggestion{
		{ID: "due", RequestID: "r1", Status: models.SuggestionPending, ExpiresAt: now.Add(-time.Minute)},
		{ID: "fresh", RequestID: "r1", Status: models.SuggestionPending, ExpiresAt: now.Add(time.Minute)},
	}
	if err := m.SaveMatches(ctx, "r1", models.RequestMatched, sgs); err != nil {
		t.Fatal(err)
	}

	expired, err := m.ExpireDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "due" {
		t.Fatalf("expected only the overdue suggestion, got %+v", expired)
	}
	fresh, _ := m.GetSuggestion(ctx, "fresh")
	if fresh.Status != models.SuggestionPending {
		t.Fatal("fresh suggestion must stay pending")
	}
}

func TestPendingForRiderScoreOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	req := pendingRequest("r1", 31.23, 30.04, 0)
	if err := m.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	riders := []models.PotentialRider{{RiderID: "alice"}}
	sgs := []models.MatchSuggestion{
		{ID: "low", RequestID: "r1", Score: 0.2, Status: models.SuggestionPending, PotentialRiders: riders},
		{ID: "high", RequestID: "r1", Score: 0.9, Status: models.SuggestionPending, PotentialRiders: riders},
	}
	if err := m.SaveMatches(ctx, "r1", models.RequestMatched, sgs); err != nil {
		t.Fatal(err)
	}

	got, err := m.PendingForRider(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "high" {
		t.Fatalf("expected best score first, got %+v", got)
	}
	none, _ := m.PendingForRider(ctx, "bob")
	if len(none) != 0 {
		t.Fatal("bob has no suggestions")
	}
}

func TestActiveTripForDriver(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	done := models.Trip{ID: "t1", DriverID: "d1", Status: models.TripCompleted}
	live := models.Trip{ID: "t2", DriverID: "d1", Status: models.TripInProgress}
	for _, tr := range []*models.Trip{&done, &live} {
		if err := m.CreateTrip(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := m.ActiveTripForDriver(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("expected an active trip, ok=%v err=%v", ok, err)
	}
	if got.ID != "t2" {
		t.Fatalf("wrong trip: %s", got.ID)
	}
	_, ok, _ = m.ActiveTripForDriver(ctx, "d2")
	if ok {
		t.Fatal("d2 has no active trip")
	}
}
