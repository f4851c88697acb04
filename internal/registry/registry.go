// Package registry tracks which user has which live real-time
// connections within this process. Cross-process reach is the relay's
// job; the registry is strictly local state.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/timerq"
)

// DefaultReapGrace is how long an empty room survives before it is
// reaped. Quick reconnects (tab refresh, page navigation) within this
// window keep the room and its metadata.
const DefaultReapGrace = 30 * time.Second

// Conn is one live real-time connection handle. Implementations must
// tolerate Send being called from multiple goroutines.
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
}

// room is the per-user connection set.
type room struct {
	userID       string
	conns        map[string]Conn
	createdAt    time.Time
	lastActivity time.Time
}

// Stats is a snapshot of registry state.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	EmptyRooms  int `json:"empty_rooms"`
}

// BadgePayload is the envelope broadcast by BadgeUpdate.
type BadgePayload struct {
	Type      string    `json:"type"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds registry tunables.
type Config struct {
	// ReapGrace overrides DefaultReapGrace when positive.
	ReapGrace time.Duration
}

// Registry owns the room map; all mutation happens under its lock.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	grace  time.Duration
	timers *timerq.Runner
	logger *zap.Logger
}

// New creates a Registry. The timer runner is shared process-wide.
func New(cfg Config, timers *timerq.Runner, logger *zap.Logger) *Registry {
	if cfg.ReapGrace <= 0 {
		cfg.ReapGrace = DefaultReapGrace
	}
	return &Registry{
		rooms:  make(map[string]*room),
		grace:  cfg.ReapGrace,
		timers: timers,
		logger: logger,
	}
}

func reapKey(userID string) string { return "room-reap:" + userID }

// Join adds the connection to the user's room, creating the room if
// absent, and disarms any pending reap timer. Returns true when a new
// room was created (first connection, no surviving room).
func (r *Registry) Join(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timers.Cancel(reapKey(c.UserID()))

	rm, ok := r.rooms[c.UserID()]
	if !ok {
		rm = &room{
			userID:    c.UserID(),
			conns:     make(map[string]Conn),
			createdAt: time.Now(),
		}
		r.rooms[c.UserID()] = rm
		r.logger.Debug("room created", zap.String("user_id", c.UserID()))
	}
	rm.conns[c.ID()] = c
	rm.lastActivity = time.Now()

	r.logger.Debug("connection joined",
		zap.String("user_id", c.UserID()),
		zap.String("conn_id", c.ID()),
		zap.Int("room_size", len(rm.conns)),
	)
	return !ok
}

// Leave removes the connection. When the room becomes empty a reap
// timer is armed; a reconnect before expiry keeps the room alive, so a
// transient disconnect is never treated as the user going offline.
func (r *Registry) Leave(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[c.UserID()]
	if !ok {
		return
	}
	delete(rm.conns, c.ID())
	rm.lastActivity = time.Now()

	if len(rm.conns) == 0 {
		userID := c.UserID()
		r.timers.Schedule(reapKey(userID), time.Now().Add(r.grace), func() {
			r.reap(userID)
		})
		r.logger.Debug("room empty, reap armed",
			zap.String("user_id", userID),
			zap.Duration("grace", r.grace),
		)
	}
}

// reap deletes the room if it is still empty when the grace expires.
func (r *Registry) reap(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[userID]
	if !ok || len(rm.conns) > 0 {
		return
	}
	delete(r.rooms, userID)
	r.logger.Debug("room reaped", zap.String("user_id", userID))
}

// Deliver sends the payload to every live connection of the user.
// Returns false with no side effect when the user has no live
// connection here; callers treat that as "fall back to the relay
// and/or non-real-time channels", never as an error.
func (r *Registry) Deliver(userID string, payload []byte) bool {
	r.mu.RLock()
	rm, ok := r.rooms[userID]
	if !ok || len(rm.conns) == 0 {
		r.mu.RUnlock()
		return false
	}
	conns := make([]Conn, 0, len(rm.conns))
	for _, c := range rm.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			r.logger.Warn("delivery to connection failed",
				zap.String("user_id", userID),
				zap.String("conn_id", c.ID()),
				zap.Error(err),
			)
		}
	}
	return true
}

// BadgeUpdate broadcasts the unread count to all of the user's
// connections so every device shows the same badge.
func (r *Registry) BadgeUpdate(userID string, count int) bool {
	payload, err := json.Marshal(BadgePayload{
		Type:      "notification:badge:update",
		Count:     count,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return false
	}
	return r.Deliver(userID, payload)
}

// Connected reports whether the user has at least one live connection.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[userID]
	return ok && len(rm.conns) > 0
}

// Stats returns a snapshot of room and connection counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Rooms: len(r.rooms)}
	for _, rm := range r.rooms {
		s.Connections += len(rm.conns)
		if len(rm.conns) == 0 {
			s.EmptyRooms++
		}
	}
	return s
}
