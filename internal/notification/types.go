// Package notification holds the domain types shared by the delivery core.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders notifications in the dispatch queue. Lower Lane()
// values are dispatched first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// LaneCount is the number of priority lanes in the dispatch queue.
const LaneCount = 4

// Lane maps a priority to its queue lane index (0 = critical).
func (p Priority) Lane() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Status is the notification lifecycle state machine:
//
//	pending -> queued -> sent -> delivered -> read
//	                 \-> failed (retries exhausted)
//
// Terminal states are observational; they are retained for history and
// analytics only and never drive further processing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Metadata keys used by the channel dispatchers to resolve addressing.
const (
	MetaEmailAddress = "email"
	MetaPhoneNumber  = "phone"
	MetaPushToken    = "push_token"
)

// Notification is the unit of delivery. It is owned by the queue
// processor for its lifetime; other components receive copies or
// read-only references.
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Priority  Priority          `json:"priority"`
	Channels  []Channel         `json:"channels"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New constructs a pending notification with a fresh id.
func New(userID, ntype, title, message string, priority Priority, channels ...Channel) *Notification {
	return &Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      ntype,
		Title:     title,
		Message:   message,
		Priority:  priority,
		Channels:  channels,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// HasChannel reports whether ch is among the requested channels.
func (n *Notification) HasChannel(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Meta returns the metadata value for key, or "" when absent.
func (n *Notification) Meta(key string) string {
	if n.Metadata == nil {
		return ""
	}
	return n.Metadata[key]
}

// Field returns the value of a named notification field for grouping
// rule evaluation. Unknown names fall through to metadata lookup.
func (n *Notification) Field(name string) string {
	switch name {
	case "user_id":
		return n.UserID
	case "type":
		return n.Type
	case "title":
		return n.Title
	case "message":
		return n.Message
	case "priority":
		return string(n.Priority)
	default:
		return n.Meta(name)
	}
}
