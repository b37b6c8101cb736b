package dispatch

// Event names emitted to a user's private channel.
const (
	EventNewMatchSuggestion   = "newRideMatchSuggestion"
	EventRideStatusUpdate     = "rideStatusUpdate"
	EventMatchStatusUpdate    = "riderMatchStatusUpdate"
	EventDriverLocationUpdate = "driverLocationUpdate"
)

// Publisher is the event-emission capability injected into the matching
// orchestrator and the location updater. A room is a user (rider or driver)
// id; delivery is best effort.
type Publisher interface {
	Publish(room, event string, payload any) error
}

// Envelope is the wire shape pushed to clients.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// NopPublisher drops every event. Useful in tests and offline tools.
type NopPublisher struct{}

func (NopPublisher) Publish(room, event string, payload any) error { return nil }
