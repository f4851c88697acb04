// Package dispatch sends notifications through the concrete delivery
// transports. Each channel has a dispatcher that validates addressing
// before a send is attempted, so malformed input never consumes a
// circuit breaker failure slot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/notification"
)

var (
	// ErrInvalidAddress marks an input error. It is never retried.
	ErrInvalidAddress = errors.New("invalid channel address")

	// ErrRateLimited is returned when the per-channel limit stayed
	// exhausted for the whole bounded wait.
	ErrRateLimited = errors.New("channel rate limit exceeded")

	// ErrUnsupportedChannel is returned when no dispatcher is
	// registered for the requested channel.
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

// Delivery is one send attempt on one channel.
type Delivery struct {
	Notification *notification.Notification
	Address      string
}

// Dispatcher sends notifications over a single transport.
type Dispatcher interface {
	Channel() notification.Channel
	ValidateAddress(addr string) bool
	Send(ctx context.Context, d *Delivery) (messageID string, err error)
}

// Mux routes a notification to the dispatcher for a channel, applying
// address resolution, validation, and the per-channel rate limit.
type Mux struct {
	dispatchers map[notification.Channel]Dispatcher
	limiters    map[notification.Channel]*Limiter
	logger      *zap.Logger
}

// NewMux creates an empty dispatcher mux.
func NewMux(logger *zap.Logger) *Mux {
	return &Mux{
		dispatchers: make(map[notification.Channel]Dispatcher),
		limiters:    make(map[notification.Channel]*Limiter),
		logger:      logger,
	}
}

// Register adds a dispatcher for its channel. A nil limiter means the
// channel is not rate limited.
func (m *Mux) Register(d Dispatcher, limiter *Limiter) {
	m.dispatchers[d.Channel()] = d
	if limiter != nil {
		m.limiters[d.Channel()] = limiter
	}
}

// Supports reports whether a dispatcher is registered for ch.
func (m *Mux) Supports(ch notification.Channel) bool {
	_, ok := m.dispatchers[ch]
	return ok
}

// Resolve returns the validated address for ch from the notification
// metadata. A validation failure is an input error and must be handled
// before any transport call, so it never counts against the channel's
// circuit breaker.
func (m *Mux) Resolve(n *notification.Notification, ch notification.Channel) (string, error) {
	d, ok := m.dispatchers[ch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	addr := AddressFor(n, ch)
	if !d.ValidateAddress(addr) {
		metrics.RecordDelivery(string(ch), "invalid_address")
		return "", fmt.Errorf("%w: channel %s", ErrInvalidAddress, ch)
	}
	return addr, nil
}

// Admit waits on the channel rate limit. ErrRateLimited is a capacity
// signal, not a channel outage.
func (m *Mux) Admit(ctx context.Context, ch notification.Channel) error {
	limiter, ok := m.limiters[ch]
	if !ok {
		return nil
	}
	if err := limiter.Acquire(ctx, string(ch)); err != nil {
		metrics.RecordDelivery(string(ch), "rate_limited")
		return err
	}
	return nil
}

// Send performs the transport call for a resolved address.
func (m *Mux) Send(ctx context.Context, n *notification.Notification, ch notification.Channel, addr string) (string, error) {
	d, ok := m.dispatchers[ch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}

	start := time.Now()
	msgID, err := d.Send(ctx, &Delivery{Notification: n, Address: addr})
	metrics.RecordDeliveryLatency(string(ch), time.Since(start))
	if err != nil {
		metrics.RecordDelivery(string(ch), "error")
		return "", err
	}

	metrics.RecordDelivery(string(ch), "ok")
	m.logger.Debug("notification dispatched",
		zap.String("channel", string(ch)),
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", msgID),
	)
	return msgID, nil
}

// Dispatch composes Resolve, Admit, and Send for callers that do not
// need breaker accounting between the stages.
func (m *Mux) Dispatch(ctx context.Context, n *notification.Notification, ch notification.Channel) (string, error) {
	addr, err := m.Resolve(n, ch)
	if err != nil {
		return "", err
	}
	if err := m.Admit(ctx, ch); err != nil {
		return "", err
	}
	return m.Send(ctx, n, ch, addr)
}

// AddressFor resolves the channel address from notification metadata.
// In-app delivery is addressed by user id and needs no metadata.
func AddressFor(n *notification.Notification, ch notification.Channel) string {
	switch ch {
	case notification.ChannelEmail:
		return n.Meta(notification.MetaEmailAddress)
	case notification.ChannelSMS:
		return n.Meta(notification.MetaPhoneNumber)
	case notification.ChannelPush:
		return n.Meta(notification.MetaPushToken)
	case notification.ChannelInApp:
		return n.UserID
	default:
		return ""
	}
}
