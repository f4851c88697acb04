// Package store is the persistence collaborator for notifications.
// The delivery core depends only on the Store interface; the Postgres
// implementation is wired in at process start and the in-memory one
// backs tests and single-node development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/herald-run/herald/internal/notification"
)

// ErrNotFound is returned for lookups of unknown notification ids.
var ErrNotFound = errors.New("notification not found")

// ListFilter narrows ListByUser results.
type ListFilter struct {
	Limit  int
	Offset int
	Status notification.Status // empty matches all statuses
}

// Store is the persistence surface consumed by the delivery core.
type Store interface {
	CreateNotification(ctx context.Context, n *notification.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status notification.Status) error
	ListByUser(ctx context.Context, userID string, f ListFilter) ([]*notification.Notification, error)
	ListByTimeRange(ctx context.Context, from, to time.Time) ([]*notification.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error
}
