package matcher

import (
	"sync"
	"time"
)

type reservation struct {
	requestID string
	expires   time.Time
}

// ReservationTable prevents two concurrent matching runs from assigning the
// same driver. A reservation lives for the suggestion window and is released
// on reject, expiry, or invalidation.
type ReservationTable struct {
	mu       sync.Mutex
	byDriver map[string]reservation
}

func NewReservationTable() *ReservationTable {
	return &ReservationTable{byDriver: make(map[string]reservation)}
}

// Reserve claims a driver for a request until expires, judging existing
// holds against now. Returns false when another request currently holds the
// driver. Re-reserving for the same request extends the window.
func (t *ReservationTable) Reserve(driverID, requestID string, now, expires time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byDriver[driverID]; ok && r.requestID != requestID && now.Before(r.expires) {
		return false
	}
	t.byDriver[driverID] = reservation{requestID: requestID, expires: expires}
	return true
}

// Reserved reports whether the driver is held by a different request at now.
func (t *ReservationTable) Reserved(driverID, requestID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byDriver[driverID]
	return ok && r.requestID != requestID && now.Before(r.expires)
}

// ReleaseIf frees the driver only when the given request holds the reservation.
func (t *ReservationTable) ReleaseIf(driverID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.byDriver[driverID]; ok && r.requestID == requestID {
		delete(t.byDriver, driverID)
	}
}
