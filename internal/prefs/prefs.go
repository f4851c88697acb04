// Package prefs is the preference collaborator consumed by the queue
// processor: per-user channel opt-outs and quiet hours.
package prefs

import (
	"context"
	"sync"
	"time"

	"github.com/herald-run/herald/internal/notification"
)

// Service is the surface the processor depends on.
type Service interface {
	// ShouldSend reports whether the user accepts this notification
	// type on this channel.
	ShouldSend(ctx context.Context, userID, ntype string, channel notification.Channel) (bool, error)

	// InQuietHours reports whether the user's local time currently
	// falls inside their configured quiet window.
	InQuietHours(ctx context.Context, userID string) (bool, error)
}

// QuietWindow is a daily window in the user's timezone. Start and End
// are "15:04" clock times; a window spanning midnight is allowed.
type QuietWindow struct {
	Start    string
	End      string
	Timezone string
}

// UserPrefs holds one user's notification preferences.
type UserPrefs struct {
	// OptOuts maps channel -> type -> opted out. An empty type key
	// ("") opts out of the whole channel.
	OptOuts map[notification.Channel]map[string]bool
	Quiet   *QuietWindow
}

// InMemory implements Service with process-local state. It is the
// default wiring for development and tests; production deployments
// swap in a store-backed implementation behind the same interface.
type InMemory struct {
	mu    sync.RWMutex
	users map[string]*UserPrefs
	now   func() time.Time
}

// NewInMemory creates an empty preference service. Users without an
// entry accept everything.
func NewInMemory() *InMemory {
	return &InMemory{users: make(map[string]*UserPrefs), now: time.Now}
}

// Set replaces the preferences for a user.
func (s *InMemory) Set(userID string, p *UserPrefs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = p
}

// OptOut marks a channel (optionally a type on it) as refused.
func (s *InMemory) OptOut(userID string, channel notification.Channel, ntype string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		p = &UserPrefs{}
		s.users[userID] = p
	}
	if p.OptOuts == nil {
		p.OptOuts = make(map[notification.Channel]map[string]bool)
	}
	if p.OptOuts[channel] == nil {
		p.OptOuts[channel] = make(map[string]bool)
	}
	p.OptOuts[channel][ntype] = true
}

func (s *InMemory) ShouldSend(_ context.Context, userID, ntype string, channel notification.Channel) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.users[userID]
	if !ok || p.OptOuts == nil {
		return true, nil
	}
	outs, ok := p.OptOuts[channel]
	if !ok {
		return true, nil
	}
	if outs[""] || outs[ntype] {
		return false, nil
	}
	return true, nil
}

func (s *InMemory) InQuietHours(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.users[userID]
	if !ok || p.Quiet == nil {
		return false, nil
	}
	return inWindow(s.now(), p.Quiet), nil
}

func inWindow(now time.Time, w *QuietWindow) bool {
	loc := time.Local
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	start, err1 := time.Parse("15:04", w.Start)
	end, err2 := time.Parse("15:04", w.End)
	if err1 != nil || err2 != nil {
		return false
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()

	if s <= e {
		return cur >= s && cur < e
	}
	// Window spans midnight, e.g. 22:00-08:00.
	return cur >= s || cur < e
}
