package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

var errDown = errors.New("dependency down")

func failing(ctx context.Context) error { return errDown }
func succeeding(ctx context.Context) error { return nil }

func testConfig() Config {
	return Config{
		Name:             "test",
		ErrorThreshold:   3,
		VolumeThreshold:  100,
		ErrorRate:        99,
		ResetTimeout:     50 * time.Millisecond,
		SuccessThreshold: 1,
		Timeout:          time.Second,
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ExecutesWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if err := cb.Execute(context.Background(), succeeding); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig(), testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_OpensOnErrorRate(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorThreshold = 100 // only the rate condition can trip
	cfg.VolumeThreshold = 10
	cfg.ErrorRate = 50
	cb := New(cfg, testLogger())

	// Alternate success/failure: 50% error rate at 10 requests.
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), succeeding)
		cb.Execute(context.Background(), failing)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen at 50%% error rate, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWithoutInvokingWhenOpen(t *testing.T) {
	cb := New(testConfig(), testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}

	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("wrapped function invoked while circuit open")
	}
}

func TestCircuitBreaker_RejectionDoesNotCountAsFailure(t *testing.T) {
	cb := New(testConfig(), testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	before := cb.Stats().Failures
	cb.Execute(context.Background(), succeeding) // rejected
	if got := cb.Stats().Failures; got != before {
		t.Fatalf("failures = %d, want %d (rejections must not count)", got, before)
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := New(testConfig(), testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SingleProbeFailureReopens(t *testing.T) {
	cb := New(testConfig(), testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	time.Sleep(60 * time.Millisecond)

	cb.Execute(context.Background(), failing)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessThresholdClosesAndResets(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 2
	cfg.HalfOpenMaxRequests = 2
	cb := New(cfg, testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	time.Sleep(60 * time.Millisecond)

	cb.Execute(context.Background(), succeeding)
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen after one success, got %s", cb.GetState())
	}
	cb.Execute(context.Background(), succeeding)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after success threshold, got %s", cb.GetState())
	}
	if s := cb.Stats(); s.Requests != 0 || s.Failures != 0 {
		t.Fatalf("counters not reset on close: %+v", s)
	}
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	cb := New(cfg, testLogger())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if cb.Stats().Failures != 1 {
		t.Fatal("timed-out call should count as a failure")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New(testConfig(), testLogger())
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), succeeding)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), failing)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset the consecutive failure count")
	}
}

func TestCircuitBreaker_ObserverSeesTransitions(t *testing.T) {
	cb := New(testConfig(), testLogger())

	var transitions []string
	cb.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	time.Sleep(60 * time.Millisecond)
	cb.Execute(context.Background(), succeeding)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(testConfig(), testLogger())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("should execute after reset: %v", err)
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(testConfig(), testLogger())
	cb.Execute(context.Background(), succeeding)
	cb.Execute(context.Background(), failing)
	cb.Execute(context.Background(), succeeding)

	stats := cb.Stats()
	if stats.Name != "test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.Requests != 3 {
		t.Fatalf("requests = %d", stats.Requests)
	}
	if stats.Successes != 2 {
		t.Fatalf("successes = %d", stats.Successes)
	}
	if stats.Failures != 1 {
		t.Fatalf("failures = %d", stats.Failures)
	}
}

func TestManager_ReturnsSameBreakerPerName(t *testing.T) {
	m := NewManager(DefaultConfig(""), testLogger())
	a := m.Get("email")
	b := m.Get("email")
	if a != b {
		t.Fatal("expected same breaker instance for same name")
	}
	if m.Get("sms") == a {
		t.Fatal("expected distinct breaker per name")
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(DefaultConfig(""), testLogger())
	m.Get("email").Execute(context.Background(), succeeding)
	m.Get("sms")

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats len = %d, want 2", len(stats))
	}
	if stats["email"].Successes != 1 {
		t.Fatalf("email successes = %d", stats["email"].Successes)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}
