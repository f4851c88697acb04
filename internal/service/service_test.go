package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/grouping"
	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/redis"
	"github.com/herald-run/herald/internal/scheduler"
	"github.com/herald-run/herald/internal/store"
	"github.com/herald-run/herald/internal/timerq"
)

type fakeQueue struct {
	mu       sync.Mutex
	admitted []*notification.Notification
	full     bool
}

func (q *fakeQueue) AddToQueue(n *notification.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
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

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []*notification.Notification
	err       error
}

func (b *fakeBroadcaster) PublishNew(ctx context.Context, n *notification.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, n)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []analytics.EventType
}

func (r *eventRecorder) TrackEvent(evtype analytics.EventType, n *notification.Notification, channel notification.Channel, md map[string]string) *analytics.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evtype)
	return &analytics.Event{Type: evtype}
}

type testEnv struct {
	svc    *Service
	queue  *fakeQueue
	store  *store.Memory
	relay  *fakeBroadcaster
	timers *timerq.Runner
}

func newTestEnv(t *testing.T, deduper Deduper) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	timers := timerq.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go timers.Start(ctx)

	st := store.NewMemory()
	q := &fakeQueue{}
	relay := &fakeBroadcaster{}
	sched := scheduler.NewEngine(timers, q.AddToQueue, logger)

	svc := New(st, deduper, sched, q, relay, &eventRecorder{}, logger)
	return &testEnv{svc: svc, queue: q, store: st, relay: relay, timers: timers}
}

func newDeduper(t *testing.T) *redis.Deduper {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.NewDeduper(redis.NewFromRDB(rdb, zap.NewNop()))
}

func TestNotifyPersistsAndQueues(t *testing.T) {
	env := newTestEnv(t, nil)
	n := notification.New("user-1", "order", "title", "msg", notification.PriorityHigh, notification.ChannelInApp)

	if err := env.svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if env.queue.count() != 1 {
		t.Error("notification should reach the queue")
	}
	if _, err := env.store.GetNotification(context.Background(), n.ID); err != nil {
		t.Error("notification should be persisted")
	}
}

func TestNotifyRequiresUserID(t *testing.T) {
	env := newTestEnv(t, nil)
	n := notification.New("", "order", "title", "msg", notification.PriorityHigh)

	if err := env.svc.Notify(context.Background(), n); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestNotifyNormalizesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	n := notification.New("user-1", "order", "title", "msg", notification.Priority("urgent!!"))

	if err := env.svc.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if n.Priority != notification.PriorityMedium {
		t.Errorf("priority = %s, want medium fallback", n.Priority)
	}
	if len(n.Channels) != 1 || n.Channels[0] != notification.ChannelInApp {
		t.Errorf("channels = %v, want in-app default", n.Channels)
	}
}

func TestNotifyDuplicateSuppressed(t *testing.T) {
	env := newTestEnv(t, newDeduper(t))

	first := notification.New("user-1", "order", "title", "same message", notification.PriorityHigh)
	second := notification.New("user-1", "order", "title", "same message", notification.PriorityHigh)

	if err := env.svc.Notify(context.Background(), first); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if err := env.svc.Notify(context.Background(), second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if env.queue.count() != 1 {
		t.Errorf("queued = %d, want 1 (duplicate suppressed)", env.queue.count())
	}
}

func TestNotifyBackpressureReleasesDedup(t *testing.T) {
	env := newTestEnv(t, newDeduper(t))
	env.queue.full = true

	n := notification.New("user-1", "order", "title", "msg", notification.PriorityHigh)
	if err := env.svc.Notify(context.Background(), n); !errors.Is(err, ErrNotAdmitted) {
		t.Fatalf("err = %v, want ErrNotAdmitted", err)
	}

	// The dedup slot was released, so the retry is not a duplicate.
	env.queue.full = false
	retry := notification.New("user-1", "order", "title", "msg", notification.PriorityHigh)
	if err := env.svc.Notify(context.Background(), retry); err != nil {
		t.Fatalf("retry after backpressure: %v", err)
	}
}

func TestNotifyGroupedSkipsQueue(t *testing.T) {
	env := newTestEnv(t, nil)

	eng := grouping.NewEngine(env.timers, env.svc.FlushGroup, zap.NewNop())
	eng.AddRule(&grouping.Rule{
		ID:         "orders",
		Conditions: []grouping.Condition{{Field: "type", Operator: "eq", Value: "order"}},
		GroupBy:    []string{"user_id"},
		Aggregation: grouping.Aggregation{
			Strategy:   "count",
			TimeWindow: 50 * time.Millisecond,
		},
		Priority: 1,
		Enabled:  true,
	})
	env.svc.AttachGrouping(eng)

	for i := 0; i < 3; i++ {
		n := notification.New("user-1", "order", "Order update", "msg", notification.PriorityMedium, notification.ChannelInApp)
		if err := env.svc.Notify(context.Background(), n); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if env.queue.count() != 0 {
		t.Fatal("grouped notifications must not hit the queue directly")
	}

	// The window close flushes one aggregate into the queue.
	deadline := time.Now().Add(2 * time.Second)
	for env.queue.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if env.queue.count() != 1 {
		t.Fatalf("queued = %d, want 1 aggregate", env.queue.count())
	}
}

func TestScheduleDelegates(t *testing.T) {
	env := newTestEnv(t, nil)

	n := notification.New("user-1", "digest", "title", "msg", notification.PriorityLow)
	sched, err := env.svc.Schedule(context.Background(), n, scheduler.Options{
		SendAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if env.queue.count() != 0 {
		t.Error("scheduled notification must not be queued before its instant")
	}
	if !env.svc.CancelSchedule(sched.ID) {
		t.Error("cancel should succeed for a pending schedule")
	}
}

func TestScheduleRejectsPast(t *testing.T) {
	env := newTestEnv(t, nil)

	n := notification.New("user-1", "digest", "title", "msg", notification.PriorityLow)
	if _, err := env.svc.Schedule(context.Background(), n, scheduler.Options{
		SendAt: time.Now().Add(-time.Hour),
	}); !errors.Is(err, scheduler.ErrPastSendAt) {
		t.Fatalf("err = %v, want ErrPastSendAt", err)
	}
}

func TestBroadcastPersistsPerUser(t *testing.T) {
	env := newTestEnv(t, nil)

	template := notification.New("", "announcement", "maintenance", "tonight", notification.PriorityHigh, notification.ChannelInApp)
	users := []string{"u1", "u2", "u3"}

	if err := env.svc.Broadcast(context.Background(), users, template); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(env.relay.published) != 3 {
		t.Errorf("relay publishes = %d, want 3", len(env.relay.published))
	}
	for _, uid := range users {
		list, err := env.store.ListByUser(context.Background(), uid, store.ListFilter{Limit: 10})
		if err != nil || len(list) != 1 {
			t.Errorf("user %s: notifications = %d, want 1", uid, len(list))
		}
	}

	// Each relay payload must be the stored per-user copy, not the
	// template: an ack or read against a pushed id has to resolve.
	for _, pub := range env.relay.published {
		if pub.ID == template.ID {
			t.Error("relay payload carries the template id, not a stored copy")
		}
		got, err := env.store.GetNotification(context.Background(), pub.ID)
		if err != nil {
			t.Errorf("published id %s not found in store: %v", pub.ID, err)
			continue
		}
		if got.UserID != pub.UserID {
			t.Errorf("published copy user = %q, stored user = %q", pub.UserID, got.UserID)
		}
	}
}

func TestBroadcastRequiresTargets(t *testing.T) {
	env := newTestEnv(t, nil)
	template := notification.New("", "announcement", "t", "m", notification.PriorityHigh)

	if err := env.svc.Broadcast(context.Background(), nil, template); err == nil {
		t.Fatal("expected error for empty target list")
	}
}
