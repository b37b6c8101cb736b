package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-sharing/internal/dispatch"
	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/models"
	"github.com/example/ride-sharing/internal/observability"
	"github.com/example/ride-sharing/internal/storage"
)

// Updater applies driver location reports. Reports may arrive out of order
// or more than once; each driver's position only ever moves forward in time
// (last write wins) and replays are silently dropped.
type Updater struct {
	Geo       geo.DriverIndex
	Trips     storage.TripStore
	Publisher dispatch.Publisher
	Logger    *slog.Logger
	Now       func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewUpdater(dx geo.DriverIndex, trips storage.TripStore, pub dispatch.Publisher, logger *slog.Logger) *Updater {
	return &Updater{
		Geo:       dx,
		Trips:     trips,
		Publisher: pub,
		Logger:    logger,
		Now:       time.Now,
		lastSeen:  make(map[string]time.Time),
	}
}

// UpdateDriverLocation records a driver's position, refreshes the geo index
// and mirrors the position onto the driver's active trip, notifying its
// riders. Stale or duplicate reports return nil without side effects.
func (u *Updater) UpdateDriverLocation(ctx context.Context, d models.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("%w: driver id is required", models.ErrInvalidInput)
	}
	if d.Loc.IsZero() {
		return fmt.Errorf("%w: driver location is required", models.ErrInvalidInput)
	}
	if err := d.Loc.Validate(); err != nil {
		return err
	}
	if d.Updated.IsZero() {
		d.Updated = u.Now()
	}
	if d.Status == "" {
		d.Status = models.DriverAvailable
	}

	if !u.advance(d.ID, d.Updated) {
		return nil
	}

	trip, onTrip, err := u.activeTrip(ctx, d.ID)
	if err != nil {
		return err
	}
	if onTrip {
		// a driver mid-trip must never be indexed as matchable, whatever
		// the device reports
		d.Status = models.DriverUnavailable
	}

	u.Geo.Upsert(d)
	observability.LocationUpdates.Inc()

	if !onTrip {
		return nil
	}
	trip.DriverLoc = d.Loc
	trip.DriverLocUpdated = d.Updated
	trip.UpdatedAt = u.Now()
	if err := u.Trips.UpdateTrip(ctx, &trip); err != nil {
		return fmt.Errorf("propagate trip location: %w", err)
	}
	u.notifyRiders(trip, d)
	return nil
}

func (u *Updater) activeTrip(ctx context.Context, driverID string) (models.Trip, bool, error) {
	if u.Trips == nil {
		return models.Trip{}, false, nil
	}
	trip, ok, err := u.Trips.ActiveTripForDriver(ctx, driverID)
	if err != nil {
		return models.Trip{}, false, fmt.Errorf("active trip lookup: %w", err)
	}
	return trip, ok, nil
}

// advance moves the driver's high-water mark forward, rejecting any report
// not strictly newer than the last accepted one. The first report from a
// driver counts them into the reporting-drivers gauge.
func (u *Updater) advance(driverID string, ts time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	last, seen := u.lastSeen[driverID]
	if seen && !ts.After(last) {
		return false
	}
	if !seen {
		observability.DriversOnline.Inc()
	}
	u.lastSeen[driverID] = ts
	return true
}

func (u *Updater) notifyRiders(trip models.Trip, d models.Driver) {
	if u.Publisher == nil {
		return
	}
	payload := map[string]any{
		"tripId":         trip.ID,
		"driverId":       d.ID,
		"driverLocation": d.Loc,
		"updatedAt":      d.Updated,
	}
	for _, r := range trip.Riders {
		if err := u.Publisher.Publish(r.RiderID, dispatch.EventDriverLocationUpdate, payload); err != nil && u.Logger != nil {
			u.Logger.Debug("location event not delivered", "rider_id", r.RiderID, "error", err)
		}
	}
}
