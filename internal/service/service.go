// Package service is the intake facade: one entry point that runs a
// notification through dedup, grouping, and queue admission, plus the
// schedule and broadcast paths built on the same plumbing.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/grouping"
	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/redis"
	"github.com/herald-run/herald/internal/scheduler"
	"github.com/herald-run/herald/internal/store"
)

// ErrDuplicate reports an intake suppressed by delivery dedup.
var ErrDuplicate = errors.New("duplicate notification suppressed")

// ErrNotAdmitted reports queue backpressure: the caller should retry
// later or drop.
var ErrNotAdmitted = errors.New("queue at capacity")

// Queue is the admission surface of the priority queue processor.
type Queue interface {
	AddToQueue(n *notification.Notification) bool
}

// Deduper suppresses repeat deliveries within the dedup TTL.
type Deduper interface {
	Reserve(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// Broadcaster fans a notification out across process instances.
type Broadcaster interface {
	PublishNew(ctx context.Context, n *notification.Notification) error
}

// Events records lifecycle analytics.
type Events interface {
	TrackEvent(evtype analytics.EventType, n *notification.Notification, channel notification.Channel, md map[string]string) *analytics.Event
}

// Service wires the intake path together.
type Service struct {
	store     store.Store
	deduper   Deduper // nil disables dedup
	grouping  *grouping.Engine
	scheduler *scheduler.Engine
	queue     Queue
	relay     Broadcaster
	events    Events
	logger    *zap.Logger
}

// New creates the intake facade. The grouping engine is attached
// separately because its flush sink is a method of this service.
func New(st store.Store, deduper Deduper, sched *scheduler.Engine, q Queue, relay Broadcaster, events Events, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		deduper:   deduper,
		scheduler: sched,
		queue:     q,
		relay:     relay,
		events:    events,
		logger:    logger,
	}
}

// AttachGrouping sets the grouping engine. Intended wiring: build the
// engine with s.FlushGroup as its flush sink, then attach it here.
func (s *Service) AttachGrouping(e *grouping.Engine) {
	s.grouping = e
}

// Notify runs one notification through the intake path. A nil error
// means it was persisted and is on its way (queued directly or held in
// a group). ErrDuplicate and ErrNotAdmitted are expected outcomes, not
// faults.
func (s *Service) Notify(ctx context.Context, n *notification.Notification) error {
	if n.UserID == "" {
		return errors.New("notification requires a user id")
	}
	if !n.Priority.Valid() {
		n.Priority = notification.PriorityMedium
	}
	if len(n.Channels) == 0 {
		n.Channels = []notification.Channel{notification.ChannelInApp}
	}

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	s.events.TrackEvent(analytics.EventCreated, n, "", nil)

	var dedupKey string
	if s.deduper != nil {
		dedupKey = redis.Key(n.UserID, n.Type, n.Message)
		if err := s.deduper.Reserve(ctx, dedupKey); err != nil {
			if errors.Is(err, redis.ErrDuplicate) {
				s.logger.Debug("duplicate notification suppressed",
					zap.String("user_id", n.UserID),
					zap.String("type", n.Type),
				)
				return ErrDuplicate
			}
			// Dedup is best effort; a Redis outage must not block
			// delivery.
			s.logger.Warn("dedup reserve failed", zap.Error(err))
			dedupKey = ""
		}
	}

	if s.grouping != nil {
		if res := s.grouping.ProcessNotification(n); res.Grouped {
			s.logger.Debug("notification held in group",
				zap.String("notification_id", n.ID.String()),
				zap.String("group_id", res.GroupID.String()),
			)
			return nil
		}
	}

	if !s.queue.AddToQueue(n) {
		if dedupKey != "" {
			// Release so the caller's retry is not treated as a dup.
			if err := s.deduper.Release(ctx, dedupKey); err != nil {
				s.logger.Warn("dedup release failed", zap.Error(err))
			}
		}
		return ErrNotAdmitted
	}
	return nil
}

// FlushGroup is the grouping engine's flush sink: the aggregate is
// persisted and queued like any direct notification, bypassing dedup
// and grouping.
func (s *Service) FlushGroup(aggregate *notification.Notification, members []*notification.Notification) {
	ctx := context.Background()

	if err := s.store.CreateNotification(ctx, aggregate); err != nil {
		s.logger.Error("failed to persist group aggregate", zap.Error(err))
	}
	s.events.TrackEvent(analytics.EventCreated, aggregate, "", map[string]string{
		"group_size": fmt.Sprintf("%d", len(members)),
	})

	if !s.queue.AddToQueue(aggregate) {
		s.logger.Warn("group aggregate rejected by queue",
			zap.String("notification_id", aggregate.ID.String()),
			zap.Int("members", len(members)),
		)
	}
}

// Schedule persists the notification and registers it with the
// scheduling engine for a future or recurring release.
func (s *Service) Schedule(ctx context.Context, n *notification.Notification, opts scheduler.Options) (*scheduler.ScheduledNotification, error) {
	if n.UserID == "" {
		return nil, errors.New("notification requires a user id")
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}
	s.events.TrackEvent(analytics.EventCreated, n, "", nil)

	sched, err := s.scheduler.ScheduleNotification(n, opts)
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// CancelSchedule cancels a pending schedule. Idempotent.
func (s *Service) CancelSchedule(id uuid.UUID) bool {
	return s.scheduler.CancelSchedule(id)
}

// Broadcast persists one notification per target user and publishes
// each persisted copy on the relay. Publishing the copies rather than
// the template keeps live-push payloads and stored rows on the same
// ids, so a client ack or read against a pushed notification resolves.
func (s *Service) Broadcast(ctx context.Context, userIDs []string, template *notification.Notification) error {
	if len(userIDs) == 0 {
		return errors.New("broadcast requires target users")
	}

	copies := make([]*notification.Notification, 0, len(userIDs))
	for _, uid := range userIDs {
		n := notification.New(uid, template.Type, template.Title, template.Message, template.Priority, template.Channels...)
		n.Metadata = template.Metadata
		if err := s.store.CreateNotification(ctx, n); err != nil {
			s.logger.Warn("failed to persist broadcast copy",
				zap.String("user_id", uid),
				zap.Error(err),
			)
			continue
		}
		s.events.TrackEvent(analytics.EventCreated, n, "", nil)
		copies = append(copies, n)
	}

	if s.relay == nil {
		// No relay means no live push; the copies are persisted and
		// show up on the next fetch.
		s.logger.Warn("broadcast stored without relay, live push skipped",
			zap.Int("targets", len(userIDs)),
		)
		return nil
	}
	for _, n := range copies {
		if err := s.relay.PublishNew(ctx, n); err != nil {
			// Live push is best-effort; the copy is already stored.
			s.logger.Warn("broadcast publish failed for target",
				zap.String("user_id", n.UserID),
				zap.Error(err),
			)
		}
	}
	return nil
}
