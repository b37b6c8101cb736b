package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-sharing/internal/geo"
	"github.com/example/ride-sharing/internal/models"
)

// RequestStore persists ride requests and answers the radius query the
// matcher shortlists candidate co-riders with.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (models.RideRequest, error)
	UpdateRequest(ctx context.Context, r *models.RideRequest) error
	// PendingNear returns pending requests whose pickup lies within radiusM
	// meters of center, excluding the given request id, oldest first.
	PendingNear(ctx context.Context, center models.Coord, radiusM float64, excludeID string) ([]models.RideRequest, error)
}

// SuggestionStore persists match suggestions. SaveMatches replaces the
// pending suggestion set for a request and updates the request status in one
// logical transaction, so clients never observe old and new suggestions
// side by side.
type SuggestionStore interface {
	SaveMatches(ctx context.Context, requestID, requestStatus string, suggestions []models.MatchSuggestion) error
	GetSuggestion(ctx context.Context, id string) (models.MatchSuggestion, error)
	UpdateSuggestionStatus(ctx context.Context, id, status string) error
	// InvalidatePending marks every pending suggestion for the request as
	// expired and returns them so the caller can release driver reservations.
	InvalidatePending(ctx context.Context, requestID string) ([]models.MatchSuggestion, error)
	PendingForRider(ctx context.Context, riderID string) ([]models.MatchSuggestion, error)
	PendingForRequest(ctx context.Context, requestID string) ([]models.MatchSuggestion, error)
	// ExpireDue marks pending suggestions whose window elapsed before now.
	ExpireDue(ctx context.Context, now time.Time) ([]models.MatchSuggestion, error)
}

// TripStore persists trips.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	UpdateTrip(ctx context.Context, t *models.Trip) error
	ActiveTripForDriver(ctx context.Context, driverID string) (models.Trip, bool, error)
}

// Store is the full persistence capability the services consume.
type Store interface {
	RequestStore
	SuggestionStore
	TripStore
}

// MemoryStore is the process-local Store used in tests and single-node runs.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]models.RideRequest
	suggestions map[string]models.MatchSuggestion
	trips       map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]models.RideRequest),
		suggestions: make(map[string]models.MatchSuggestion),
		trips:       make(map[string]models.Trip),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.RideRequest{}, fmt.Errorf("%w: ride request %s", models.ErrNotFound, id)
	}
	return r, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return fmt.Errorf("%w: ride request %s", models.ErrNotFound, r.ID)
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) PendingNear(ctx context.Context, center models.Coord, radiusM float64, excludeID string) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.ID == excludeID || r.Status != models.RequestPending {
			continue
		}
		if geo.Haversine(center, r.Pickup)*1000 > radiusM {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveMatches(ctx context.Context, requestID, requestStatus string, suggestions []models.MatchSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: ride request %s", models.ErrNotFound, requestID)
	}
	for id, s := range m.suggestions {
		if s.RequestID == requestID && s.Status == models.SuggestionPending {
			delete(m.suggestions, id)
		}
	}
	for _, s := range suggestions {
		m.suggestions[s.ID] = s
	}
	r.Status = requestStatus
	r.UpdatedAt = time.Now()
	m.requests[requestID] = r
	return nil
}

func (m *MemoryStore) GetSuggestion(ctx context.Context, id string) (models.MatchSuggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suggestions[id]
	if !ok {
		return models.MatchSuggestion{}, fmt.Errorf("%w: suggestion %s", models.ErrNotFound, id)
	}
	return s, nil
}

func (m *MemoryStore) UpdateSuggestionStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return fmt.Errorf("%w: suggestion %s", models.ErrNotFound, id)
	}
	s.Status = status
	m.suggestions[id] = s
	return nil
}

func (m *MemoryStore) InvalidatePending(ctx context.Context, requestID string) ([]models.MatchSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MatchSuggestion
	for id, s := range m.suggestions {
		if s.RequestID == requestID && s.Status == models.SuggestionPending {
			s.Status = models.SuggestionExpired
			m.suggestions[id] = s
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingForRider(ctx context.Context, riderID string) ([]models.MatchSuggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MatchSuggestion
	for _, s := range m.suggestions {
		if s.Status != models.SuggestionPending {
			continue
		}
		for _, pr := range s.PotentialRiders {
			if pr.RiderID == riderID {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *MemoryStore) PendingForRequest(ctx context.Context, requestID string) ([]models.MatchSuggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MatchSuggestion
	for _, s := range m.suggestions {
		if s.RequestID == requestID && s.Status == models.SuggestionPending {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *MemoryStore) ExpireDue(ctx context.Context, now time.Time) ([]models.MatchSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MatchSuggestion
	for id, s := range m.suggestions {
		if s.Status == models.SuggestionPending && s.Expired(now) {
			s.Status = models.SuggestionExpired
			m.suggestions[id] = s
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("%w: trip %s", models.ErrNotFound, id)
	}
	return t, nil
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return fmt.Errorf("%w: trip %s", models.ErrNotFound, t.ID)
	}
	t.UpdatedAt = time.Now()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) ActiveTripForDriver(ctx context.Context, driverID string) (models.Trip, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.DriverID == driverID && t.Status == models.TripInProgress {
			return t, true, nil
		}
	}
	return models.Trip{}, false, nil
}
