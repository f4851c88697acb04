package grouping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/timerq"
)

type flushRecorder struct {
	mu         sync.Mutex
	aggregates []*notification.Notification
	members    [][]*notification.Notification
}

func (f *flushRecorder) flush(agg *notification.Notification, members []*notification.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregates = append(f.aggregates, agg)
	f.members = append(f.members, members)
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aggregates)
}

func newTestEngine(t *testing.T) (*Engine, *flushRecorder) {
	t.Helper()
	timers := timerq.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go timers.Start(ctx)

	rec := &flushRecorder{}
	return NewEngine(timers, rec.flush, zap.NewNop()), rec
}

func orderRule(maxSize int, window time.Duration) *Rule {
	return &Rule{
		ID:         "order-updates",
		Conditions: []Condition{{Field: "type", Operator: OpEq, Value: "order"}},
		GroupBy:    []string{"user_id", "type"},
		Aggregation: Aggregation{
			Strategy:   "count",
			TimeWindow: window,
		},
		Priority: 10,
		MaxSize:  maxSize,
		Enabled:  true,
	}
}

func orderNotif(userID string) *notification.Notification {
	return notification.New(userID, "order", "Order update", "your order moved", notification.PriorityMedium, notification.ChannelInApp)
}

func TestEngine_NoMatchPassesThrough(t *testing.T) {
	e, _ := newTestEngine(t)
	e.AddRule(orderRule(10, time.Minute))

	n := notification.New("u1", "security", "login", "new login", notification.PriorityHigh, notification.ChannelEmail)
	res := e.ProcessNotification(n)
	if res.Grouped {
		t.Fatal("non-matching notification must not be grouped")
	}
}

func TestEngine_DisabledRuleIgnored(t *testing.T) {
	e, _ := newTestEngine(t)
	r := orderRule(10, time.Minute)
	r.Enabled = false
	e.AddRule(r)

	if e.ProcessNotification(orderNotif("u1")).Grouped {
		t.Fatal("disabled rule must not match")
	}
}

func TestEngine_HighestPriorityRuleWins(t *testing.T) {
	e, _ := newTestEngine(t)
	low := orderRule(10, time.Minute)
	low.ID = "low"
	low.Priority = 1
	high := orderRule(10, time.Minute)
	high.ID = "high"
	high.Priority = 5
	e.AddRule(low)
	e.AddRule(high)

	res := e.ProcessNotification(orderNotif("u1"))
	if res.RuleID != "high" {
		t.Fatalf("rule = %s, want high", res.RuleID)
	}
}

func TestEngine_MaxSizeClosesAndReopens(t *testing.T) {
	e, rec := newTestEngine(t)
	e.AddRule(orderRule(100, time.Hour))

	// 150 matching notifications: at least 2 distinct group ids, and
	// every notification accounted for in exactly one group.
	ids := make(map[uuid.UUID]int)
	for i := 0; i < 150; i++ {
		res := e.ProcessNotification(orderNotif("u1"))
		if !res.Grouped {
			t.Fatalf("notification %d not grouped", i)
		}
		ids[res.GroupID]++
	}
	if len(ids) < 2 {
		t.Fatalf("distinct group ids = %d, want >= 2", len(ids))
	}

	total := 0
	for _, c := range ids {
		total += c
	}
	if total != 150 {
		t.Fatalf("accounted members = %d, want 150", total)
	}

	// The first group closed at 100 members.
	if rec.count() != 1 {
		t.Fatalf("flushed groups = %d, want 1", rec.count())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.members[0]) != 100 {
		t.Fatalf("first flush members = %d, want 100", len(rec.members[0]))
	}
}

func TestEngine_WindowClosesUnderCapacity(t *testing.T) {
	e, rec := newTestEngine(t)
	e.AddRule(orderRule(100, 50*time.Millisecond))

	for i := 0; i < 3; i++ {
		e.ProcessNotification(orderNotif("u1"))
	}
	if rec.count() != 0 {
		t.Fatal("group flushed before window elapsed")
	}

	time.Sleep(120 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("flushed groups = %d, want 1 after window", rec.count())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	agg := rec.aggregates[0]
	if agg.Meta("group_count") != "3" {
		t.Fatalf("group_count = %s, want 3", agg.Meta("group_count"))
	}
	if agg.Title != "Order update (3)" {
		t.Fatalf("aggregate title = %q", agg.Title)
	}
}

func TestEngine_SeparateKeysSeparateGroups(t *testing.T) {
	e, _ := newTestEngine(t)
	e.AddRule(orderRule(100, time.Hour))

	a := e.ProcessNotification(orderNotif("u1"))
	b := e.ProcessNotification(orderNotif("u2"))
	if a.GroupID == b.GroupID {
		t.Fatal("different group keys must map to different groups")
	}
	if e.Stats().OpenGroups != 2 {
		t.Fatalf("open groups = %d, want 2", e.Stats().OpenGroups)
	}
}

func TestCondition_Operators(t *testing.T) {
	n := notification.New("u1", "order", "Order update", "total 42", notification.PriorityMedium)
	n.Metadata = map[string]string{"amount": "42"}

	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "type", Operator: OpEq, Value: "order"}, true},
		{Condition{Field: "type", Operator: OpNeq, Value: "order"}, false},
		{Condition{Field: "title", Operator: OpContains, Value: "update"}, true},
		{Condition{Field: "amount", Operator: OpGt, Value: "40"}, true},
		{Condition{Field: "amount", Operator: OpLt, Value: "40"}, false},
		{Condition{Field: "amount", Operator: OpGt, Value: "nan"}, false},
		{Condition{Field: "type", Operator: "unknown", Value: "order"}, false},
	}
	for i, tt := range tests {
		if got := tt.cond.matches(n); got != tt.want {
			t.Errorf("case %d: matches = %v, want %v", i, got, tt.want)
		}
	}
}
