package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/relay"
)

// LocalDeliverer delivers a payload to a user's local connections.
type LocalDeliverer interface {
	Deliver(userID string, payload []byte) bool
}

// RelayPublisher fans a notification out to the other process
// instances.
type RelayPublisher interface {
	PublishNew(ctx context.Context, n *notification.Notification) error
}

// InAppDispatcher delivers to the user's live connections on this
// instance, falling back to the cross-process relay when the user has
// none here. A user with no connection anywhere is a miss, not an
// error; the notification stays queryable in the store.
type InAppDispatcher struct {
	local  LocalDeliverer
	relay  RelayPublisher
	logger *zap.Logger
}

// NewInAppDispatcher creates the in-app dispatcher.
func NewInAppDispatcher(local LocalDeliverer, rp RelayPublisher, logger *zap.Logger) *InAppDispatcher {
	return &InAppDispatcher{local: local, relay: rp, logger: logger}
}

func (i *InAppDispatcher) Channel() notification.Channel { return notification.ChannelInApp }

// ValidateAddress requires a user id; in-app delivery has no external
// addressing.
func (i *InAppDispatcher) ValidateAddress(addr string) bool {
	return addr != ""
}

// Send tries local delivery first. On a local miss the notification is
// published on the relay so whichever instance holds the user's
// connections delivers it.
func (i *InAppDispatcher) Send(ctx context.Context, d *Delivery) (string, error) {
	n := d.Notification

	payload, err := json.Marshal(map[string]any{
		"type":         relay.EventNew,
		"notification": n,
		"timestamp":    time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal in-app payload: %w", err)
	}

	if i.local.Deliver(d.Address, payload) {
		return n.ID.String(), nil
	}

	if i.relay == nil {
		// Single-instance deployment without a relay: a local miss
		// just means the user is offline.
		return n.ID.String(), nil
	}
	if err := i.relay.PublishNew(ctx, n); err != nil {
		// Relay trouble must not fail the notification: in-app push
		// is best-effort and the row stays queryable either way. A
		// send error here would count against the breaker and retry a
		// notification that is already stored.
		i.logger.Warn("relay publish failed, in-app push degraded",
			zap.String("user_id", d.Address),
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return n.ID.String(), nil
	}

	i.logger.Debug("in-app delivery deferred to relay",
		zap.String("user_id", d.Address),
		zap.String("notification_id", n.ID.String()),
	)
	return n.ID.String(), nil
}
