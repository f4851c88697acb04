package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/circuitbreaker"
	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/prefs"
	"github.com/herald-run/herald/internal/queue"
	"github.com/herald-run/herald/internal/redis"
	"github.com/herald-run/herald/internal/registry"
	"github.com/herald-run/herald/internal/scheduler"
	"github.com/herald-run/herald/internal/service"
	"github.com/herald-run/herald/internal/store"
	"github.com/herald-run/herald/internal/timerq"
)

type fakeSender struct{}

func (s *fakeSender) Resolve(n *notification.Notification, ch notification.Channel) (string, error) {
	return n.UserID, nil
}

func (s *fakeSender) Admit(ctx context.Context, ch notification.Channel) error { return nil }

func (s *fakeSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel, addr string) (string, error) {
	return n.ID.String(), nil
}

type fakeBroadcaster struct {
	published []*notification.Notification
}

func (b *fakeBroadcaster) PublishNew(ctx context.Context, n *notification.Notification) error {
	b.published = append(b.published, n)
	return nil
}

type testEnv struct {
	handler   *Handler
	router    http.Handler
	store     *store.Memory
	tracker   *analytics.Tracker
	scheduler *scheduler.Engine
	relay     *fakeBroadcaster
}

func newTestEnv(t *testing.T, queueSize int) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	timers := timerq.New(logger)
	go timers.Start(ctx)

	st := store.NewMemory()
	tracker := analytics.NewTracker(logger)
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		ErrorThreshold:  100,
		VolumeThreshold: 1000,
		ErrorRate:       100,
		ResetTimeout:    time.Minute,
	}, logger)

	processor := queue.New(queue.Config{MaxSize: queueSize, Workers: 1},
		&fakeSender{}, breakers, prefs.NewInMemory(), st, tracker, timers, logger)

	sched := scheduler.NewEngine(timers, processor.AddToQueue, logger)
	relay := &fakeBroadcaster{}
	svc := service.New(st, nil, sched, processor, relay, tracker, logger)
	reg := registry.New(registry.Config{}, timers, logger)

	h := NewHandler(logger, svc, st, processor, breakers, reg, sched, tracker)
	return &testEnv{
		handler:   h,
		router:    h.Routes(),
		store:     st,
		tracker:   tracker,
		scheduler: sched,
		relay:     relay,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func intakeRequest(userID string) NotificationRequest {
	return NotificationRequest{
		UserID:   userID,
		Type:     "order_shipped",
		Title:    "Order shipped",
		Message:  "Your order is on the way",
		Priority: notification.PriorityHigh,
		Channels: []notification.Channel{notification.ChannelInApp},
	}
}

func TestCreateNotificationAccepted(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodPost, "/notifications", intakeRequest("user-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id, err := uuid.Parse(resp["id"])
	if err != nil {
		t.Fatalf("expected valid UUID, got %q", resp["id"])
	}
	if _, err := env.store.GetNotification(context.Background(), id); err != nil {
		t.Errorf("notification not persisted: %v", err)
	}
}

func TestCreateNotificationValidation(t *testing.T) {
	env := newTestEnv(t, 10)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing user_id", body: NotificationRequest{Type: "order_shipped"}},
		{name: "missing type", body: NotificationRequest{UserID: "user-1"}},
		{name: "malformed json", body: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.body == nil {
				req := httptest.NewRequest(http.MethodPost, "/notifications", bytes.NewBufferString("{not json"))
				rec = httptest.NewRecorder()
				env.router.ServeHTTP(rec, req)
			} else {
				rec = env.do(t, http.MethodPost, "/notifications", tt.body)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var errResp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if errResp.Status != http.StatusBadRequest {
				t.Errorf("expected status 400 in body, got %d", errResp.Status)
			}
		})
	}
}

func TestCreateNotificationQueueFull(t *testing.T) {
	env := newTestEnv(t, 1)

	if rec := env.do(t, http.MethodPost, "/notifications", intakeRequest("user-1")); rec.Code != http.StatusAccepted {
		t.Fatalf("first intake: expected 202, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/notifications", intakeRequest("user-2"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestGetNotification(t *testing.T) {
	env := newTestEnv(t, 10)

	n := notification.New("user-1", "order_shipped", "Shipped", "On the way", notification.PriorityMedium)
	if err := env.store.CreateNotification(context.Background(), n); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/notifications/"+n.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/notifications/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/notifications/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestListNotifications(t *testing.T) {
	env := newTestEnv(t, 10)

	for i := 0; i < 3; i++ {
		n := notification.New("user-1", "promo", "Hi", "Deal", notification.PriorityLow)
		if err := env.store.CreateNotification(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodGet, "/notifications?user_id=user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 {
		t.Errorf("expected 3 notifications, got %d", resp.Count)
	}

	if rec := env.do(t, http.MethodGet, "/notifications", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: expected 400, got %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, 10)

	for i := 0; i < 2; i++ {
		n := notification.New("user-1", "promo", "Hi", "Deal", notification.PriorityLow)
		if err := env.store.CreateNotification(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodGet, "/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 notifications in range, got %d", resp.Count)
	}
}

func TestCreateSchedule(t *testing.T) {
	env := newTestEnv(t, 10)

	req := ScheduleRequest{
		NotificationRequest: intakeRequest("user-1"),
		SendAt:              time.Now().Add(time.Hour),
	}
	rec := env.do(t, http.MethodPost, "/schedules", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sched scheduler.ScheduledNotification
	if err := json.NewDecoder(rec.Body).Decode(&sched); err != nil {
		t.Fatal(err)
	}
	if sched.ID == uuid.Nil {
		t.Error("expected a schedule id")
	}

	req.SendAt = time.Now().Add(-time.Hour)
	if rec := env.do(t, http.MethodPost, "/schedules", req); rec.Code != http.StatusBadRequest {
		t.Errorf("past send_at: expected 400, got %d", rec.Code)
	}
}

func TestCancelSchedule(t *testing.T) {
	env := newTestEnv(t, 10)

	req := ScheduleRequest{
		NotificationRequest: intakeRequest("user-1"),
		SendAt:              time.Now().Add(time.Hour),
	}
	rec := env.do(t, http.MethodPost, "/schedules", req)
	var sched scheduler.ScheduledNotification
	if err := json.NewDecoder(rec.Body).Decode(&sched); err != nil {
		t.Fatal(err)
	}

	if rec := env.do(t, http.MethodDelete, "/schedules/"+sched.ID.String(), nil); rec.Code != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/schedules/"+sched.ID.String(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("double cancel: expected 404, got %d", rec.Code)
	}
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t, 10)

	req := BroadcastRequest{
		UserIDs:             []string{"user-1", "user-2", "user-3"},
		NotificationRequest: intakeRequest(""),
	}
	rec := env.do(t, http.MethodPost, "/broadcast", req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.relay.published) != 3 {
		t.Errorf("expected 3 relay publishes, got %d", len(env.relay.published))
	}

	for _, u := range req.UserIDs {
		list, err := env.store.ListByUser(context.Background(), u, store.ListFilter{Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 {
			t.Errorf("user %s: expected 1 persisted notification, got %d", u, len(list))
		}
	}

	if rec := env.do(t, http.MethodPost, "/broadcast", BroadcastRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("no targets: expected 400, got %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, 10)

	rec := env.do(t, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"queue", "breakers", "connections", "schedules"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q section", key)
		}
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	env := newTestEnv(t, 10)

	n := notification.New("user-1", "promo", "Hi", "Deal", notification.PriorityLow)
	env.tracker.TrackEvent(analytics.EventSent, n, notification.ChannelInApp, nil)
	env.tracker.TrackEvent(analytics.EventDelivered, n, notification.ChannelInApp, nil)

	rec := env.do(t, http.MethodGet, "/analytics/funnel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("funnel: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/analytics/notifications/"+n.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("timeline: expected 200, got %d", rec.Code)
	}
	var timeline []*analytics.Event
	if err := json.NewDecoder(rec.Body).Decode(&timeline); err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 2 {
		t.Errorf("expected 2 timeline events, got %d", len(timeline))
	}

	rec = env.do(t, http.MethodGet, "/analytics/engagement/user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("engagement: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/analytics/export?format=csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}

	if rec := env.do(t, http.MethodGet, "/analytics/export?format=xml", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown format: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/analytics/funnel?from=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad range: expected 400, got %d", rec.Code)
	}
}

func TestIntakeRateLimit(t *testing.T) {
	logger := zap.NewNop()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewFromRDB(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), logger)

	limiter := redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	wrapped := IntakeRateLimit(limiter, logger, CallerKey)(inner)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/notifications", nil)
		req.Header.Set("X-Caller-ID", "svc-orders")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i+1, rec.Code)
		}
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Type != "rate_limit_exceeded" {
		t.Errorf("expected rate_limit_exceeded, got %q", errResp.Type)
	}
}
