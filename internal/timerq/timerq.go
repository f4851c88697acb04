// Package timerq runs scheduled tasks keyed by (entity, expiry) from a
// single goroutine and a single OS timer. Room reap timers, group
// window timers, schedule fires and retry releases all share one
// Runner instead of arming one time.Timer each.
package timerq

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	key      string
	at       time.Time
	fn       func()
	canceled bool
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Runner owns the task heap. Schedule and Cancel are safe for
// concurrent use; callbacks run on the Runner goroutine and must not
// block for long.
type Runner struct {
	mu     sync.Mutex
	heap   taskHeap
	byKey  map[string]*task
	wake   chan struct{}
	logger *zap.Logger
}

// New creates a Runner. Call Start before scheduling has any effect.
func New(logger *zap.Logger) *Runner {
	return &Runner{
		byKey:  make(map[string]*task),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := r.peek()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			r.logger.Debug("timerq stopping")
			return
		case <-r.wake:
		case <-timer.C:
			r.fireDue()
		}
	}
}

// Schedule arms (or re-arms) the task for key to fire at the given
// instant. Scheduling the same key again replaces the previous expiry.
func (r *Runner) Schedule(key string, at time.Time, fn func()) {
	r.mu.Lock()
	if old, ok := r.byKey[key]; ok {
		old.canceled = true
	}
	t := &task{key: key, at: at, fn: fn}
	r.byKey[key] = t
	heap.Push(&r.heap, t)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Cancel disarms the task for key. Returns false when no task was armed.
func (r *Runner) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byKey[key]
	if !ok {
		return false
	}
	t.canceled = true
	delete(r.byKey, key)
	return true
}

// Armed reports whether a task is currently armed for key.
func (r *Runner) Armed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byKey[key]
	return ok
}

// Pending returns the number of armed tasks.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

func (r *Runner) peek() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.heap) > 0 && r.heap[0].canceled {
		heap.Pop(&r.heap)
	}
	if len(r.heap) == 0 {
		return time.Time{}, false
	}
	return r.heap[0].at, true
}

func (r *Runner) fireDue() {
	now := time.Now()
	for {
		r.mu.Lock()
		for len(r.heap) > 0 && r.heap[0].canceled {
			heap.Pop(&r.heap)
		}
		if len(r.heap) == 0 || r.heap[0].at.After(now) {
			r.mu.Unlock()
			return
		}
		t := heap.Pop(&r.heap).(*task)
		if r.byKey[t.key] == t {
			delete(r.byKey, t.key)
		}
		r.mu.Unlock()

		t.fn()
	}
}
