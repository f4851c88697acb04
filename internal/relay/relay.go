// Package relay fans real-time deliveries out across process
// instances over a shared Redis pub/sub channel. Every instance
// subscribes; on receipt each attempts local delivery and only the
// instance actually holding the user's connection has any effect.
// This broadcast-and-no-op shape avoids a consistent distributed
// membership view entirely.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/notification"
)

// ChannelName is the shared pub/sub channel every instance listens on.
const ChannelName = "notifications"

// Event types carried in the envelope.
const (
	EventNew       = "notification:new"
	EventBroadcast = "notification:broadcast"
)

// Envelope is the cross-process relay message.
type Envelope struct {
	Type         string                     `json:"type"`
	UserID       string                     `json:"user_id,omitempty"`
	UserIDs      []string                   `json:"user_ids,omitempty"`
	Notification *notification.Notification `json:"notification"`
}

// LocalDeliverer is the local connection registry seen by the relay.
type LocalDeliverer interface {
	Deliver(userID string, payload []byte) bool
}

// Relay publishes and consumes cross-process delivery events.
// Publish/subscribe failures are logged and never fatal: in-app
// delivery is best-effort and other channels are unaffected.
type Relay struct {
	rdb    *redis.Client
	local  LocalDeliverer
	logger *zap.Logger
}

// New creates a Relay bound to the local deliverer.
func New(rdb *redis.Client, local LocalDeliverer, logger *zap.Logger) *Relay {
	return &Relay{rdb: rdb, local: local, logger: logger}
}

// PublishNew relays a single-user notification to every instance.
func (r *Relay) PublishNew(ctx context.Context, n *notification.Notification) error {
	return r.publish(ctx, Envelope{Type: EventNew, UserID: n.UserID, Notification: n})
}

// PublishBroadcast relays a multi-user notification to every instance.
func (r *Relay) PublishBroadcast(ctx context.Context, userIDs []string, n *notification.Notification) error {
	return r.publish(ctx, Envelope{Type: EventBroadcast, UserIDs: userIDs, Notification: n})
}

func (r *Relay) publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, ChannelName, data).Err(); err != nil {
		r.logger.Warn("relay publish failed, in-app delivery degraded",
			zap.String("type", env.Type),
			zap.Error(err),
		)
		return fmt.Errorf("relay publish: %w", err)
	}
	metrics.RecordRelayPublished(env.Type)
	r.logger.Debug("relay event published",
		zap.String("type", env.Type),
		zap.String("user_id", env.UserID),
	)
	return nil
}

// Subscribe consumes relay events until ctx is cancelled. Run it in
// its own goroutine; it returns only when the subscription closes.
func (r *Relay) Subscribe(ctx context.Context) {
	sub := r.rdb.Subscribe(ctx, ChannelName)
	defer sub.Close()

	r.logger.Info("relay subscribed", zap.String("channel", ChannelName))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn("relay subscription closed")
				return
			}
			r.onMessage([]byte(msg.Payload))
		}
	}
}

// onMessage attempts local delivery for a relay event. Instances not
// holding the target user's connection simply no-op.
func (r *Relay) onMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("relay message malformed", zap.Error(err))
		return
	}
	if env.Notification == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type":         EventNew,
		"notification": env.Notification,
		"timestamp":    time.Now().UTC(),
	})
	if err != nil {
		return
	}

	switch env.Type {
	case EventNew:
		if r.local.Deliver(env.UserID, payload) {
			r.logger.Debug("relay event delivered locally",
				zap.String("user_id", env.UserID),
			)
		}
	case EventBroadcast:
		for _, uid := range env.UserIDs {
			r.local.Deliver(uid, payload)
		}
	default:
		r.logger.Debug("relay event ignored", zap.String("type", env.Type))
	}
}
