package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/timerq"
)

type fakeQueue struct {
	mu       sync.Mutex
	admitted []*notification.Notification
	reject   bool
}

func (q *fakeQueue) enqueue(n *notification.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reject {
		return false
	}
	q.admitted = append(q.admitted, n)
	return true
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.admitted)
}

func newTestEngine(t *testing.T) (*Engine, *fakeQueue) {
	t.Helper()
	timers := timerq.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go timers.Start(ctx)

	q := &fakeQueue{}
	return NewEngine(timers, q.enqueue, zap.NewNop()), q
}

func reminder() *notification.Notification {
	return notification.New("u1", "reminder", "Stand-up", "daily stand-up", notification.PriorityMedium, notification.ChannelInApp)
}

func TestEngine_OneShotFiresOnceAtOrAfterInstant(t *testing.T) {
	e, q := newTestEngine(t)

	s, err := e.ScheduleNotification(reminder(), Options{SendAt: time.Now().Add(60 * time.Millisecond)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Not in the queue before the instant.
	time.Sleep(20 * time.Millisecond)
	if q.count() != 0 {
		t.Fatal("fired before scheduled instant")
	}

	time.Sleep(120 * time.Millisecond)
	if q.count() != 1 {
		t.Fatalf("admitted = %d, want exactly 1", q.count())
	}
	if _, ok := e.Get(s.ID); ok {
		t.Fatal("fired one-shot should be removed")
	}
}

func TestEngine_CancelPreventsFiring(t *testing.T) {
	e, q := newTestEngine(t)

	s, err := e.ScheduleNotification(reminder(), Options{SendAt: time.Now().Add(40 * time.Millisecond)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !e.CancelSchedule(s.ID) {
		t.Fatal("cancel returned false for pending schedule")
	}
	// Idempotent.
	if e.CancelSchedule(s.ID) {
		t.Fatal("second cancel should return false")
	}

	time.Sleep(100 * time.Millisecond)
	if q.count() != 0 {
		t.Fatal("cancelled schedule fired")
	}
}

func TestEngine_PastSendAtRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ScheduleNotification(reminder(), Options{SendAt: time.Now().Add(-time.Minute)})
	if !errors.Is(err, ErrPastSendAt) {
		t.Fatalf("expected ErrPastSendAt, got %v", err)
	}
}

func TestEngine_BadTimezoneRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ScheduleNotification(reminder(), Options{
		SendAt:   time.Now().Add(time.Hour),
		Timezone: "Not/AZone",
	})
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestEngine_BadFrequencyRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ScheduleNotification(reminder(), Options{
		SendAt:    time.Now().Add(time.Hour),
		Recurring: &Recurring{Frequency: "fortnightly"},
	})
	if !errors.Is(err, ErrBadRecurrence) {
		t.Fatalf("expected ErrBadRecurrence, got %v", err)
	}
}

func TestEngine_RecurringStopsAtMaxOccurrences(t *testing.T) {
	e, q := newTestEngine(t)

	// Hourly recurrence would re-arm an hour out; limit to 1 so we
	// can observe terminal state quickly.
	s, err := e.ScheduleNotification(reminder(), Options{
		SendAt:    time.Now().Add(30 * time.Millisecond),
		Recurring: &Recurring{Frequency: FreqHourly, MaxOccurrences: 1},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if q.count() != 1 {
		t.Fatalf("admitted = %d, want 1", q.count())
	}
	if _, ok := e.Get(s.ID); ok {
		t.Fatal("exhausted recurring schedule should be removed")
	}
}

func TestEngine_RecurringRearmsWithNextOccurrence(t *testing.T) {
	e, q := newTestEngine(t)

	s, err := e.ScheduleNotification(reminder(), Options{
		SendAt:    time.Now().Add(30 * time.Millisecond),
		Recurring: &Recurring{Frequency: FreqHourly},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if q.count() != 1 {
		t.Fatalf("admitted = %d, want 1", q.count())
	}

	got, ok := e.Get(s.ID)
	if !ok {
		t.Fatal("recurring schedule should remain registered")
	}
	if got.OccurrenceCount != 1 {
		t.Fatalf("occurrence count = %d, want 1", got.OccurrenceCount)
	}
	if until := time.Until(got.ScheduledFor); until < 50*time.Minute {
		t.Fatalf("next occurrence only %s out, want ~1h", until)
	}

	// Future occurrences are still cancellable after a fire.
	if !e.CancelSchedule(s.ID) {
		t.Fatal("cancel after fire should succeed for recurring schedule")
	}
}

func TestNextOccurrence_DailyPattern(t *testing.T) {
	e, _ := newTestEngine(t)

	base := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC) // Wednesday
	s := &ScheduledNotification{
		ScheduledFor: base,
		Recurring:    &Recurring{Frequency: FreqDaily, Pattern: "08:15"},
	}
	next := e.NextOccurrence(s)
	want := time.Date(2026, 3, 5, 8, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrence_SkipWeekends(t *testing.T) {
	e, _ := newTestEngine(t)

	friday := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	s := &ScheduledNotification{
		ScheduledFor: friday,
		Recurring:    &Recurring{Frequency: FreqDaily, SkipWeekends: true},
	}
	next := e.NextOccurrence(s)
	if next.Weekday() != time.Monday {
		t.Fatalf("next weekday = %s, want Monday", next.Weekday())
	}
	if next.Day() != 9 {
		t.Fatalf("next day = %d, want 9", next.Day())
	}
}

func TestEngine_Stats(t *testing.T) {
	e, _ := newTestEngine(t)

	a, _ := e.ScheduleNotification(reminder(), Options{SendAt: time.Now().Add(time.Hour)})
	e.ScheduleNotification(reminder(), Options{SendAt: time.Now().Add(time.Hour)})
	e.CancelSchedule(a.ID)

	s := e.Stats()
	if s.Pending != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending)
	}
	if s.Cancelled != 1 {
		t.Fatalf("cancelled = %d, want 1", s.Cancelled)
	}
}
