package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession means no websocket is attached to the target room.
var ErrNoSession = errors.New("no ws session")

// WSSession is one connected client. Writes are serialized because
// gorilla/websocket allows a single concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry maps user ids to their private websocket session and implements
// Publisher over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add attaches a connection to the user's room, replacing any previous one.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessions[userID]; ok {
		_ = prev.conn.Close()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

// Remove detaches and closes the user's session if the given conn still owns it.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		_ = s.conn.Close()
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Publish(room, event string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[room]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(Envelope{Event: event, Payload: payload}); err != nil {
		r.Remove(room, s.conn)
		return err
	}
	return nil
}
