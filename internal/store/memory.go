package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herald-run/herald/internal/notification"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*notification.Notification
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[uuid.UUID]*notification.Notification)}
}

func (m *Memory) CreateNotification(_ context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *Memory) GetNotification(_ context.Context, id uuid.UUID) (*notification.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id uuid.UUID, status notification.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	return nil
}

func (m *Memory) ListByUser(_ context.Context, userID string, f ListFilter) ([]*notification.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*notification.Notification
	for _, n := range m.items {
		if n.UserID != userID {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListByTimeRange(_ context.Context, from, to time.Time) ([]*notification.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*notification.Notification
	for _, n := range m.items {
		if n.CreatedAt.Before(from) || n.CreatedAt.After(to) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountUnread(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.items {
		if n.UserID == userID && n.Status != notification.StatusRead && n.Status != notification.StatusFailed {
			count++
		}
	}
	return count, nil
}

func (m *Memory) MarkRead(ctx context.Context, id uuid.UUID) error {
	return m.UpdateStatus(ctx, id, notification.StatusRead)
}

func (m *Memory) MarkAllRead(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, n := range m.items {
		if n.UserID == userID && n.Status != notification.StatusRead {
			n.Status = notification.StatusRead
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeleteNotification(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}
