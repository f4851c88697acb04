// Package analytics records notification lifecycle events for funnel
// and engagement reporting. Events are append-only; they are never
// mutated or deleted.
package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/notification"
)

// EventType is one lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "created"
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
	EventFailed    EventType = "failed"
)

// Event is one recorded lifecycle transition.
type Event struct {
	ID             uuid.UUID            `json:"id"`
	Type           EventType            `json:"type"`
	NotificationID uuid.UUID            `json:"notification_id"`
	UserID         string               `json:"user_id"`
	Channel        notification.Channel `json:"channel,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
}

// Funnel is the distinct-notification count per stage within a range.
type Funnel struct {
	Sent           int     `json:"sent"`
	Delivered      int     `json:"delivered"`
	Opened         int     `json:"opened"`
	Clicked        int     `json:"clicked"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Tracker stores events in arrival order. The in-memory log is the
// process-local working set; a range query walks events ordered by
// timestamp.
type Tracker struct {
	mu     sync.RWMutex
	events []*Event
	logger *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// TrackEvent appends a lifecycle event.
func (t *Tracker) TrackEvent(evtype EventType, n *notification.Notification, channel notification.Channel, md map[string]string) *Event {
	e := &Event{
		ID:             uuid.New(),
		Type:           evtype,
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        channel,
		Timestamp:      time.Now().UTC(),
		Metadata:       md,
	}

	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()

	metrics.RecordAnalyticsEvent(string(evtype))
	t.logger.Debug("analytics event",
		zap.String("type", string(evtype)),
		zap.String("notification_id", n.ID.String()),
	)
	return e
}

// NotificationTimeline returns all events for one notification in
// timestamp order.
func (t *Tracker) NotificationTimeline(id uuid.UUID) []*Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Event
	for _, e := range t.events {
		if e.NotificationID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// FunnelAnalysis counts distinct notifications reaching each stage
// within [from, to]. ConversionRate is clicked/sent clamped to [0,1].
func (t *Tracker) FunnelAnalysis(from, to time.Time) Funnel {
	distinct := map[EventType]map[uuid.UUID]struct{}{
		EventSent:      {},
		EventDelivered: {},
		EventOpened:    {},
		EventClicked:   {},
	}

	t.mu.RLock()
	for _, e := range t.events {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		if set, ok := distinct[e.Type]; ok {
			set[e.NotificationID] = struct{}{}
		}
	}
	t.mu.RUnlock()

	f := Funnel{
		Sent:      len(distinct[EventSent]),
		Delivered: len(distinct[EventDelivered]),
		Opened:    len(distinct[EventOpened]),
		Clicked:   len(distinct[EventClicked]),
	}
	if f.Sent > 0 {
		f.ConversionRate = math.Min(1, float64(f.Clicked)/float64(f.Sent))
	}
	return f
}

// Engagement half-life: an interaction this old contributes half the
// weight of one happening now.
const engagementHalfLife = 7 * 24 * time.Hour

// UserEngagement scores a user 0-100 from recency- and frequency-
// weighted interaction events (opens and clicks). More interactions
// and more recent interactions both raise the score.
func (t *Tracker) UserEngagement(userID string) float64 {
	now := time.Now()
	var score float64

	t.mu.RLock()
	for _, e := range t.events {
		if e.UserID != userID {
			continue
		}
		var base float64
		switch e.Type {
		case EventOpened:
			base = 10
		case EventClicked:
			base = 20
		default:
			continue
		}
		age := now.Sub(e.Timestamp)
		decay := math.Pow(0.5, age.Hours()/engagementHalfLife.Hours())
		score += base * decay
	}
	t.mu.RUnlock()

	return math.Min(100, score)
}

// Export serializes all events in [from, to] as JSON or CSV.
func (t *Tracker) Export(from, to time.Time, format string) ([]byte, error) {
	t.mu.RLock()
	var selected []*Event
	for _, e := range t.events {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		selected = append(selected, e)
	}
	t.mu.RUnlock()

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Timestamp.Before(selected[j].Timestamp)
	})

	switch format {
	case FormatJSON:
		return json.Marshal(selected)
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"id", "type", "notification_id", "user_id", "channel", "timestamp"}); err != nil {
			return nil, err
		}
		for _, e := range selected {
			rec := []string{
				e.ID.String(),
				string(e.Type),
				e.NotificationID.String(),
				e.UserID,
				string(e.Channel),
				strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
			}
			if err := w.Write(rec); err != nil {
				return nil, err
			}
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return nil, fmt.Errorf("unsupported export format: %q", format)
	}
}

// Count returns the total number of recorded events.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}
