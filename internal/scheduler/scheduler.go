// Package scheduler holds notifications meant for future or recurring
// delivery and releases them into the dispatch queue at the right time.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/timerq"
)

// Schedule status values.
const (
	StatusPending   = "pending"
	StatusFired     = "fired"
	StatusCancelled = "cancelled"
)

// Recurrence frequencies.
const (
	FreqHourly  = "hourly"
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// ErrPastSendAt rejects one-shot schedules whose instant already passed.
var ErrPastSendAt = errors.New("schedule send_at is in the past")

// ErrBadRecurrence rejects recurring specs with an unknown frequency.
var ErrBadRecurrence = errors.New("unknown recurrence frequency")

// Recurring describes a repeating schedule. The next occurrence is
// computed only after the current one fires or is skipped.
type Recurring struct {
	// Pattern optionally pins the time of day as "15:04" for daily
	// and coarser frequencies.
	Pattern        string `json:"pattern,omitempty"`
	Frequency      string `json:"frequency"`
	MaxOccurrences int    `json:"max_occurrences,omitempty"`
	SkipWeekends   bool   `json:"skip_weekends,omitempty"`
}

// Options configure ScheduleNotification.
type Options struct {
	SendAt    time.Time
	Timezone  string
	Recurring *Recurring
}

// ScheduledNotification wraps a notification with its schedule state.
type ScheduledNotification struct {
	ID              uuid.UUID                  `json:"id"`
	Notification    *notification.Notification `json:"notification"`
	ScheduledFor    time.Time                  `json:"scheduled_for"`
	Timezone        string                     `json:"timezone,omitempty"`
	Recurring       *Recurring                 `json:"recurring,omitempty"`
	OccurrenceCount int                        `json:"occurrence_count"`
	Status          string                     `json:"status"`
	CreatedAt       time.Time                  `json:"created_at"`
}

// EnqueueFunc admits a released notification to the dispatch queue.
// A false result means the queue applied backpressure; the occurrence
// is skipped, not retried.
type EnqueueFunc func(n *notification.Notification) bool

// Stats is a snapshot of scheduler state.
type Stats struct {
	Pending   int `json:"pending"`
	Fired     int `json:"fired"`
	Cancelled int `json:"cancelled"`
}

// Engine owns schedule state; fires arrive via the shared timer runner.
type Engine struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*ScheduledNotification
	fired     int
	cancelled int
	enqueue   EnqueueFunc
	timers    *timerq.Runner
	logger    *zap.Logger
}

// NewEngine creates a scheduling engine releasing into enqueue.
func NewEngine(timers *timerq.Runner, enqueue EnqueueFunc, logger *zap.Logger) *Engine {
	return &Engine{
		schedules: make(map[uuid.UUID]*ScheduledNotification),
		enqueue:   enqueue,
		timers:    timers,
		logger:    logger,
	}
}

func fireKey(id uuid.UUID) string { return "schedule-fire:" + id.String() }

// ScheduleNotification registers a one-shot or recurring schedule.
// Malformed options are surfaced synchronously and nothing is armed.
func (e *Engine) ScheduleNotification(n *notification.Notification, opts Options) (*ScheduledNotification, error) {
	loc := time.UTC
	if opts.Timezone != "" {
		l, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", opts.Timezone, err)
		}
		loc = l
	}

	if opts.Recurring != nil {
		switch opts.Recurring.Frequency {
		case FreqHourly, FreqDaily, FreqWeekly, FreqMonthly:
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadRecurrence, opts.Recurring.Frequency)
		}
	}

	sendAt := opts.SendAt.In(loc)
	if opts.Recurring != nil && opts.Recurring.SkipWeekends {
		sendAt = skipWeekend(sendAt)
	}
	if !sendAt.After(time.Now()) {
		return nil, ErrPastSendAt
	}

	s := &ScheduledNotification{
		ID:           uuid.New(),
		Notification: n,
		ScheduledFor: sendAt,
		Timezone:     opts.Timezone,
		Recurring:    opts.Recurring,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	e.mu.Lock()
	e.schedules[s.ID] = s
	e.mu.Unlock()

	e.timers.Schedule(fireKey(s.ID), sendAt, func() { e.fire(s.ID) })

	e.logger.Info("notification scheduled",
		zap.String("schedule_id", s.ID.String()),
		zap.Time("scheduled_for", sendAt),
		zap.Bool("recurring", opts.Recurring != nil),
	)
	return s, nil
}

// CancelSchedule disarms a schedule. Idempotent and safe at any point
// before firing; a fired occurrence cannot be retracted, only future
// ones. Returns true when a pending schedule was cancelled.
func (e *Engine) CancelSchedule(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.schedules[id]
	if !ok || s.Status == StatusCancelled {
		return false
	}
	s.Status = StatusCancelled
	e.cancelled++
	e.timers.Cancel(fireKey(id))

	e.logger.Info("schedule cancelled", zap.String("schedule_id", id.String()))
	return true
}

// Get returns the schedule by id.
func (e *Engine) Get(id uuid.UUID) (*ScheduledNotification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.schedules[id]
	return s, ok
}

// fire releases the notification into the queue and, for recurring
// schedules, arms the next occurrence. A cancelled schedule never
// fires even if the timer raced the cancellation.
func (e *Engine) fire(id uuid.UUID) {
	e.mu.Lock()
	s, ok := e.schedules[id]
	if !ok || s.Status == StatusCancelled {
		e.mu.Unlock()
		return
	}

	s.OccurrenceCount++
	e.fired++
	n := s.Notification

	rearm := false
	var next time.Time
	if s.Recurring != nil {
		if s.Recurring.MaxOccurrences == 0 || s.OccurrenceCount < s.Recurring.MaxOccurrences {
			next = e.NextOccurrence(s)
			s.ScheduledFor = next
			rearm = true
		} else {
			s.Status = StatusFired
			delete(e.schedules, id)
		}
	} else {
		s.Status = StatusFired
		delete(e.schedules, id)
	}
	e.mu.Unlock()

	// Each occurrence enters the queue as its own notification so the
	// processor owns an independent lifecycle per fire.
	released := *n
	released.ID = uuid.New()
	released.Status = notification.StatusPending
	released.CreatedAt = time.Now().UTC()

	if !e.enqueue(&released) {
		e.logger.Warn("queue rejected scheduled notification",
			zap.String("schedule_id", id.String()),
			zap.String("user_id", released.UserID),
		)
	} else {
		e.logger.Debug("schedule fired",
			zap.String("schedule_id", id.String()),
			zap.String("notification_id", released.ID.String()),
		)
	}

	if rearm {
		e.timers.Schedule(fireKey(id), next, func() { e.fire(id) })
	}
}

// NextOccurrence computes the next instant for a recurring schedule
// from its current ScheduledFor, honoring pattern, timezone and
// weekend skipping.
func (e *Engine) NextOccurrence(s *ScheduledNotification) time.Time {
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	cur := s.ScheduledFor.In(loc)

	var next time.Time
	switch s.Recurring.Frequency {
	case FreqHourly:
		next = cur.Add(time.Hour)
	case FreqDaily:
		next = cur.AddDate(0, 0, 1)
	case FreqWeekly:
		next = cur.AddDate(0, 0, 7)
	case FreqMonthly:
		next = cur.AddDate(0, 1, 0)
	default:
		next = cur.AddDate(0, 0, 1)
	}

	if s.Recurring.Pattern != "" && s.Recurring.Frequency != FreqHourly {
		if tod, err := time.Parse("15:04", s.Recurring.Pattern); err == nil {
			next = time.Date(next.Year(), next.Month(), next.Day(),
				tod.Hour(), tod.Minute(), 0, 0, loc)
		}
	}

	if s.Recurring.SkipWeekends {
		next = skipWeekend(next)
	}
	return next
}

// skipWeekend advances an instant falling on Saturday or Sunday to
// the same time on the following Monday.
func skipWeekend(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, 2)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	default:
		return t
	}
}

// Stats returns a snapshot of scheduler state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Fired: e.fired, Cancelled: e.cancelled}
	for _, sch := range e.schedules {
		if sch.Status == StatusPending {
			s.Pending++
		}
	}
	return s
}
