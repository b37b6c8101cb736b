package geo

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-sharing/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometers between two
// points, validating both first. Use Haversine directly when the inputs are
// already known to be well-formed.
func DistanceKm(a, b models.Coord) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, fmt.Errorf("first point: %w", err)
	}
	if err := b.Validate(); err != nil {
		return 0, fmt.Errorf("second point: %w", err)
	}
	return Haversine(a, b), nil
}

// Haversine computes the great-circle distance in kilometers.
func Haversine(a, b models.Coord) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// DriverIndex is the spatial query capability the matcher depends on:
// available drivers within radiusM meters of center, nearest first.
// SetStatus flips a driver's availability in place, used by the trip
// lifecycle to take a driver off the market and put them back.
type DriverIndex interface {
	Nearby(center models.Coord, radiusM float64, limit int) []models.Driver
	Upsert(d models.Driver)
	SetStatus(driverID, status string)
}

// Index is the in-memory DriverIndex. A linear scan is fine at the driver
// counts a single matching node serves; swap in the Redis implementation
// when the fleet outgrows it.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	if prev, ok := g.drivers[d.ID]; ok && prev.Updated.After(d.Updated) {
		// last-write-wins by timestamp; drop stale samples
		return
	}
	g.drivers[d.ID] = d
}

func (g *Index) SetStatus(driverID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.drivers[driverID]; ok {
		d.Status = status
		g.drivers[driverID] = d
	}
}

func (g *Index) Get(id string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok
}

func (g *Index) Nearby(center models.Coord, radiusM float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		distKm := Haversine(center, d.Loc)
		if distKm*1000 > radiusM {
			continue
		}
		arr = append(arr, pair{d, distKm})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out
}
