// Package queue implements the central dispatch loop: priority-laned
// admission with backpressure, preference resolution, breaker-guarded
// channel sends, and retry with backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/circuitbreaker"
	"github.com/herald-run/herald/internal/dispatch"
	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/prefs"
	"github.com/herald-run/herald/internal/store"
	"github.com/herald-run/herald/internal/timerq"
)

// Sender is the dispatch surface the processor drives. Resolution and
// rate-limit admission run outside the circuit breaker; only the
// transport send counts against it.
type Sender interface {
	Resolve(n *notification.Notification, ch notification.Channel) (string, error)
	Admit(ctx context.Context, ch notification.Channel) error
	Send(ctx context.Context, n *notification.Notification, ch notification.Channel, addr string) (string, error)
}

// Events records lifecycle analytics.
type Events interface {
	TrackEvent(evtype analytics.EventType, n *notification.Notification, channel notification.Channel, md map[string]string) *analytics.Event
}

// Config tunes the processor.
type Config struct {
	// MaxSize is the total admission cap across all lanes. AddToQueue
	// returns false once it is reached.
	MaxSize int
	// Workers bounds concurrent channel sends.
	Workers int
	// CycleQuotas caps how many items each lane may contribute per
	// dispatch cycle, so sustained critical load cannot starve the
	// lower lanes.
	CycleQuotas [notification.LaneCount]int
	// PollInterval is the fallback wakeup when no admissions arrive.
	PollInterval time.Duration

	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:      10000,
		Workers:      8,
		CycleQuotas:  [notification.LaneCount]int{8, 4, 2, 1},
		PollInterval: time.Second,
		MaxAttempts:  4,
		RetryBase:    2 * time.Second,
		RetryCap:     60 * time.Second,
	}
}

// item is one queued notification with its remaining channels.
type item struct {
	n          *notification.Notification
	channels   []notification.Channel
	attempts   int
	enqueuedAt time.Time
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Depth     map[string]int `json:"depth"`
	Total     int            `json:"total"`
	Admitted  uint64         `json:"admitted"`
	Rejected  uint64         `json:"rejected"`
	Processed uint64         `json:"processed"`
	Retried   uint64         `json:"retried"`
	Failed    uint64         `json:"failed"`
}

var lanePriorities = [notification.LaneCount]notification.Priority{
	notification.PriorityCritical,
	notification.PriorityHigh,
	notification.PriorityMedium,
	notification.PriorityLow,
}

// Processor owns the priority lanes. Lane state is mutated only under
// its mutex; channel I/O runs on the bounded worker pool.
type Processor struct {
	cfg      Config
	sender   Sender
	breakers *circuitbreaker.Manager
	prefs    prefs.Service
	store    store.Store
	events   Events
	timers   *timerq.Runner
	logger   *zap.Logger

	mu    sync.Mutex
	lanes [notification.LaneCount][]*item
	size  int

	admitted  uint64
	rejected  uint64
	processed uint64
	retried   uint64
	failed    uint64

	wake chan struct{}
	sem  chan struct{}
}

// New creates a processor. Zero config fields fall back to defaults.
func New(cfg Config, sender Sender, breakers *circuitbreaker.Manager, pf prefs.Service, st store.Store, events Events, timers *timerq.Runner, logger *zap.Logger) *Processor {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.CycleQuotas == ([notification.LaneCount]int{}) {
		cfg.CycleQuotas = def.CycleQuotas
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}

	return &Processor{
		cfg:      cfg,
		sender:   sender,
		breakers: breakers,
		prefs:    pf,
		store:    st,
		events:   events,
		timers:   timers,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.Workers),
	}
}

// AddToQueue admits a notification into its priority lane. It returns
// false, without raising an error, when the queue is at capacity; the
// caller decides whether to retry later or drop. A rejected admission
// leaves the queue size unchanged.
func (p *Processor) AddToQueue(n *notification.Notification) bool {
	channels := n.Channels
	if len(channels) == 0 {
		channels = []notification.Channel{notification.ChannelInApp}
	}
	return p.admit(&item{
		n:          n,
		channels:   channels,
		enqueuedAt: time.Now(),
	})
}

func (p *Processor) admit(it *item) bool {
	p.mu.Lock()
	if p.size >= p.cfg.MaxSize {
		p.rejected++
		p.mu.Unlock()
		metrics.RecordQueueRejected()
		p.logger.Warn("queue full, admission rejected",
			zap.String("notification_id", it.n.ID.String()),
			zap.Int("max_size", p.cfg.MaxSize),
		)
		return false
	}

	lane := it.n.Priority.Lane()
	p.lanes[lane] = append(p.lanes[lane], it)
	p.size++
	p.admitted++
	depth := len(p.lanes[lane])
	p.mu.Unlock()

	metrics.RecordQueueAdmitted(string(it.n.Priority))
	metrics.SetQueueDepth(string(lanePriorities[lane]), depth)

	it.n.Status = notification.StatusQueued
	if err := p.store.UpdateStatus(context.Background(), it.n.ID, notification.StatusQueued); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("failed to persist queued status", zap.Error(err))
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drives dispatch cycles until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("queue processor started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("max_size", p.cfg.MaxSize),
	)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue processor stopping")
			return
		case <-p.wake:
		case <-time.After(p.cfg.PollInterval):
		}
		p.runCycle(ctx)
	}
}

// runCycle drains one quota-bounded batch. Lanes are visited in
// priority order; each contributes at most its quota per cycle.
func (p *Processor) runCycle(ctx context.Context) {
	batch := p.takeBatch()
	if len(batch) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, it := range batch {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			// Re-admit what we could not start.
			p.admit(it)
			continue
		}
		wg.Add(1)
		go func(it *item) {
			defer wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, it)
		}(it)
	}
	wg.Wait()

	// More work may remain beyond this cycle's quotas.
	p.mu.Lock()
	remaining := p.size
	p.mu.Unlock()
	if remaining > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Processor) takeBatch() []*item {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batch []*item
	for lane := 0; lane < notification.LaneCount; lane++ {
		quota := p.cfg.CycleQuotas[lane]
		for quota > 0 && len(p.lanes[lane]) > 0 {
			it := p.lanes[lane][0]
			p.lanes[lane] = p.lanes[lane][1:]
			p.size--
			quota--
			batch = append(batch, it)
		}
		metrics.SetQueueDepth(string(lanePriorities[lane]), len(p.lanes[lane]))
	}
	return batch
}

// process resolves preferences and sends over each remaining channel
// through that channel's circuit breaker.
func (p *Processor) process(ctx context.Context, it *item) {
	n := it.n

	channels, err := p.filterChannels(ctx, it)
	if err != nil {
		p.logger.Error("preference resolution failed, retrying",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		p.scheduleRetry(it, err)
		return
	}
	if len(channels) == 0 {
		// Every channel opted out or quieted. Terminal, not a failure
		// worth retrying.
		p.terminal(it, errors.New("all channels suppressed by preferences"))
		return
	}

	var failedChannels []notification.Channel
	var lastErr error
	sent := false

	for _, ch := range channels {
		if err := p.sendChannel(ctx, n, ch); err != nil {
			if errors.Is(err, dispatch.ErrInvalidAddress) || errors.Is(err, dispatch.ErrUnsupportedChannel) {
				// Input error: a retry can never succeed.
				p.logger.Warn("channel address rejected",
					zap.String("notification_id", n.ID.String()),
					zap.String("channel", string(ch)),
					zap.Error(err),
				)
				continue
			}
			failedChannels = append(failedChannels, ch)
			lastErr = err
			continue
		}
		sent = true
		p.events.TrackEvent(analytics.EventSent, n, ch, nil)
	}

	if sent {
		n.Status = notification.StatusSent
		if err := p.store.UpdateStatus(ctx, n.ID, notification.StatusSent); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("failed to persist sent status", zap.Error(err))
		}
	}

	p.mu.Lock()
	p.processed++
	p.mu.Unlock()

	if len(failedChannels) > 0 {
		it.channels = failedChannels
		p.scheduleRetry(it, lastErr)
	}
}

// filterChannels drops channels the user opted out of and, outside of
// the in-app channel, anything landing in the user's quiet hours.
// In-app delivery is passive and is allowed through quiet hours.
func (p *Processor) filterChannels(ctx context.Context, it *item) ([]notification.Channel, error) {
	quiet, err := p.prefs.InQuietHours(ctx, it.n.UserID)
	if err != nil {
		return nil, fmt.Errorf("quiet hours lookup: %w", err)
	}

	var out []notification.Channel
	for _, ch := range it.channels {
		if quiet && ch != notification.ChannelInApp {
			continue
		}
		ok, err := p.prefs.ShouldSend(ctx, it.n.UserID, it.n.Type, ch)
		if err != nil {
			return nil, fmt.Errorf("preference lookup: %w", err)
		}
		if ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (p *Processor) sendChannel(ctx context.Context, n *notification.Notification, ch notification.Channel) error {
	addr, err := p.sender.Resolve(n, ch)
	if err != nil {
		return err
	}
	if err := p.sender.Admit(ctx, ch); err != nil {
		return err
	}

	cb := p.breakers.Get(string(ch))
	err = cb.Execute(ctx, func(ctx context.Context) error {
		_, sendErr := p.sender.Send(ctx, n, ch, addr)
		return sendErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Debug("channel circuit open",
			zap.String("channel", string(ch)),
			zap.String("notification_id", n.ID.String()),
		)
	}
	return err
}

// HandleFailure schedules a retry for a notification that failed
// outside the processor's own send path (all its channels are retried).
func (p *Processor) HandleFailure(n *notification.Notification, cause error) {
	channels := n.Channels
	if len(channels) == 0 {
		channels = []notification.Channel{notification.ChannelInApp}
	}
	p.scheduleRetry(&item{n: n, channels: channels, enqueuedAt: time.Now()}, cause)
}

// scheduleRetry arms a backoff timer keyed by the notification id.
// After MaxAttempts the notification goes terminal.
func (p *Processor) scheduleRetry(it *item, cause error) {
	it.attempts++
	if it.attempts >= p.cfg.MaxAttempts {
		p.terminal(it, cause)
		return
	}

	delay := p.backoff(it.attempts)
	p.mu.Lock()
	p.retried++
	p.mu.Unlock()

	p.logger.Info("retry scheduled",
		zap.String("notification_id", it.n.ID.String()),
		zap.Int("attempt", it.attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	p.timers.Schedule("retry:"+it.n.ID.String(), time.Now().Add(delay), func() {
		if !p.admit(it) {
			// Queue saturated; the failed re-admission consumes an
			// attempt and backs off again.
			p.scheduleRetry(it, errors.New("queue full on retry"))
		}
	})
}

// backoff doubles per attempt from RetryBase, capped at RetryCap.
func (p *Processor) backoff(attempt int) time.Duration {
	d := p.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.RetryCap {
			return p.cfg.RetryCap
		}
	}
	if d > p.cfg.RetryCap {
		d = p.cfg.RetryCap
	}
	return d
}

// terminal marks the notification failed and records the analytics
// event. No further automatic retries occur.
func (p *Processor) terminal(it *item, cause error) {
	n := it.n
	n.Status = notification.StatusFailed
	if err := p.store.UpdateStatus(context.Background(), n.ID, notification.StatusFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("failed to persist failed status", zap.Error(err))
	}

	md := map[string]string{"attempts": fmt.Sprintf("%d", it.attempts)}
	if cause != nil {
		md["error"] = cause.Error()
	}
	p.events.TrackEvent(analytics.EventFailed, n, "", md)

	p.mu.Lock()
	p.failed++
	p.mu.Unlock()

	p.logger.Error("notification failed permanently",
		zap.String("notification_id", n.ID.String()),
		zap.Int("attempts", it.attempts),
		zap.Error(cause),
	)
}

// PendingRetry reports whether a retry timer is armed for the id.
func (p *Processor) PendingRetry(id uuid.UUID) bool {
	return p.timers.Armed("retry:" + id.String())
}

// GetQueueStats returns a snapshot of lane depths and counters.
func (p *Processor) GetQueueStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	depth := make(map[string]int, notification.LaneCount)
	for lane := 0; lane < notification.LaneCount; lane++ {
		depth[string(lanePriorities[lane])] = len(p.lanes[lane])
	}
	return Stats{
		Depth:     depth,
		Total:     p.size,
		Admitted:  p.admitted,
		Rejected:  p.rejected,
		Processed: p.processed,
		Retried:   p.retried,
		Failed:    p.failed,
	}
}
