package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sharing/internal/dispatch"
	"github.com/example/ride-sharing/internal/models"
	"github.com/example/ride-sharing/internal/storage"
)

// Tracker streams periodic driver position snapshots to the riders of
// in-progress trips. Each trip gets its own cancellable loop; the loop stops
// when the trip reaches a terminal status or the tracker shuts down.
type Tracker struct {
	Trips     storage.TripStore
	Publisher dispatch.Publisher
	Logger    *slog.Logger
	Interval  time.Duration

	mu    sync.Mutex
	loops map[string]context.CancelFunc
}

func NewTracker(trips storage.TripStore, pub dispatch.Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{
		Trips:     trips,
		Publisher: pub,
		Logger:    logger,
		Interval:  10 * time.Second,
		loops:     make(map[string]context.CancelFunc),
	}
}

// HandleStatus reacts to a trip status transition: starting a loop when the
// trip goes in progress and stopping it when the trip ends. Safe to call
// repeatedly with the same status.
func (t *Tracker) HandleStatus(ctx context.Context, trip models.Trip) {
	switch {
	case trip.Status == models.TripInProgress:
		t.Start(ctx, trip.ID)
	case models.TerminalTrip(trip.Status):
		t.Stop(trip.ID)
	}
}

// Start begins tracking a trip. Starting an already-tracked trip is a no-op.
func (t *Tracker) Start(ctx context.Context, tripID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, running := t.loops[tripID]; running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.loops[tripID] = cancel
	go t.run(loopCtx, tripID)
}

// Stop cancels the loop for one trip.
func (t *Tracker) Stop(tripID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.loops[tripID]; ok {
		cancel()
		delete(t.loops, tripID)
	}
}

// Shutdown cancels every active loop.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.loops {
		cancel()
		delete(t.loops, id)
	}
}

// Tracking reports whether a loop is active for the trip.
func (t *Tracker) Tracking(tripID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.loops[tripID]
	return ok
}

func (t *Tracker) run(ctx context.Context, tripID string) {
	interval := t.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trip, err := t.Trips.GetTrip(ctx, tripID)
			if err != nil {
				if t.Logger != nil {
					t.Logger.Warn("tracked trip read failed", "trip_id", tripID, "error", err)
				}
				t.Stop(tripID)
				return
			}
			if models.TerminalTrip(trip.Status) {
				t.Stop(tripID)
				return
			}
			t.broadcast(trip)
		}
	}
}

func (t *Tracker) broadcast(trip models.Trip) {
	payload := map[string]any{
		"tripId":         trip.ID,
		"driverId":       trip.DriverID,
		"driverLocation": trip.DriverLoc,
		"updatedAt":      trip.DriverLocUpdated,
	}
	for _, r := range trip.Riders {
		_ = t.Publisher.Publish(r.RiderID, dispatch.EventDriverLocationUpdate, payload)
	}
}
