// Package realtime is the websocket gateway: authenticated per-user
// connections registered in the Connection Registry, with the
// bidirectional event surface clients drive (read, fetch, badge,
// subscriptions, delivery acks).
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/analytics"
	"github.com/herald-run/herald/internal/metrics"
	"github.com/herald-run/herald/internal/notification"
	"github.com/herald-run/herald/internal/registry"
	"github.com/herald-run/herald/internal/store"
)

// Client-sent event names.
const (
	EvRead        = "notification:read"
	EvReadAll     = "notification:readAll"
	EvDelete      = "notification:delete"
	EvFetch       = "notification:fetch"
	EvBadge       = "notification:badge"
	EvSubscribe   = "notification:subscribe"
	EvUnsubscribe = "notification:unsubscribe"
	EvAck         = "notification:ack"
	EvClick       = "notification:click"
	EvPing        = "ping"
)

// Server-sent event names.
const (
	EvConnected = "connected"
	EvPending   = "notification:pending"
	EvPong      = "pong"
)

// Events records lifecycle analytics for client interactions.
type Events interface {
	TrackEvent(evtype analytics.EventType, n *notification.Notification, channel notification.Channel, md map[string]string) *analytics.Event
}

// clientMessage is the envelope for every client-sent event.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const pendingFetchLimit = 50

// Gateway upgrades and serves websocket connections.
type Gateway struct {
	registry *registry.Registry
	store    store.Store
	events   Events
	secret   string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New creates a Gateway. secret signs and verifies handshake tokens.
func New(reg *registry.Registry, st store.Store, events Events, secret string, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		store:    st,
		events:   events,
		secret:   secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler serves GET /ws?token=. The handshake requires a verified
// user id; connections without one are rejected before upgrade.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			}
		}
		userID, err := VerifyToken(g.secret, token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		g.serve(ws, userID)
	}
}

func (g *Gateway) serve(ws *websocket.Conn, userID string) {
	s := newSession(ws, userID, g.logger)
	created := g.registry.Join(s)
	metrics.SetLiveConnections(g.registry.Stats().Connections)

	g.logger.Info("realtime connection established",
		zap.String("user_id", userID),
		zap.String("connection_id", s.id),
		zap.Bool("room_created", created),
	)

	go s.writePump()

	g.sendEvent(s, EvConnected, map[string]any{
		"userId":    userID,
		"roomId":    "user:" + userID,
		"timestamp": time.Now().UTC(),
	})
	g.pushPending(s)
	g.pushBadge(userID)

	g.readPump(s)

	g.registry.Leave(s)
	s.close()
	metrics.SetLiveConnections(g.registry.Stats().Connections)
	g.logger.Info("realtime connection closed",
		zap.String("user_id", userID),
		zap.String("connection_id", s.id),
	)
}

func (g *Gateway) readPump(s *session) {
	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Debug("malformed client message", zap.Error(err))
			continue
		}
		g.handle(s, &msg)
	}
}

func (g *Gateway) handle(s *session, msg *clientMessage) {
	ctx := context.Background()

	switch msg.Type {
	case EvPing:
		g.sendEvent(s, EvPong, map[string]any{"timestamp": time.Now().UTC()})

	case EvRead:
		id, err := idFromData(msg.Data)
		if err != nil {
			g.sendError(s, EvRead, "notificationId required")
			return
		}
		if err := g.store.MarkRead(ctx, id); err != nil {
			g.sendError(s, EvRead, errText(err))
			return
		}
		n, err := g.store.GetNotification(ctx, id)
		if err == nil {
			g.events.TrackEvent(analytics.EventOpened, n, notification.ChannelInApp, nil)
		}
		g.sendSuccess(s, EvRead, map[string]any{"notificationId": id})
		g.pushBadge(s.userID)

	case EvReadAll:
		count, err := g.store.MarkAllRead(ctx, s.userID)
		if err != nil {
			g.sendError(s, EvReadAll, errText(err))
			return
		}
		g.sendSuccess(s, EvReadAll, map[string]any{"count": count})
		g.pushBadge(s.userID)

	case EvDelete:
		id, err := idFromData(msg.Data)
		if err != nil {
			g.sendError(s, EvDelete, "notificationId required")
			return
		}
		if err := g.store.DeleteNotification(ctx, id); err != nil {
			g.sendError(s, EvDelete, errText(err))
			return
		}
		g.sendSuccess(s, EvDelete, map[string]any{"notificationId": id})
		g.pushBadge(s.userID)

	case EvFetch:
		var req struct {
			Limit  int                 `json:"limit"`
			Offset int                 `json:"offset"`
			Status notification.Status `json:"status,omitempty"`
		}
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				g.sendError(s, EvFetch, "malformed fetch request")
				return
			}
		}
		if req.Limit <= 0 || req.Limit > 100 {
			req.Limit = 20
		}
		list, err := g.store.ListByUser(ctx, s.userID, store.ListFilter{
			Limit:  req.Limit,
			Offset: req.Offset,
			Status: req.Status,
		})
		if err != nil {
			g.sendError(s, EvFetch, errText(err))
			return
		}
		g.sendSuccess(s, EvFetch, map[string]any{
			"notifications": list,
			"count":         len(list),
		})

	case EvBadge:
		g.pushBadge(s.userID)

	case EvSubscribe, EvUnsubscribe:
		var req struct {
			Types []string `json:"types"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || len(req.Types) == 0 {
			g.sendError(s, msg.Type, "types required")
			return
		}
		if msg.Type == EvSubscribe {
			s.subscribe(req.Types)
		} else {
			s.unsubscribe(req.Types)
		}
		g.sendSuccess(s, msg.Type, map[string]any{"types": req.Types})

	case EvAck:
		id, err := idFromData(msg.Data)
		if err != nil {
			g.sendError(s, EvAck, "notificationId required")
			return
		}
		if err := g.store.UpdateStatus(ctx, id, notification.StatusDelivered); err != nil {
			g.sendError(s, EvAck, errText(err))
			return
		}
		if n, err := g.store.GetNotification(ctx, id); err == nil {
			g.events.TrackEvent(analytics.EventDelivered, n, notification.ChannelInApp, nil)
		}

	case EvClick:
		var req struct {
			NotificationID uuid.UUID `json:"notificationId"`
			Action         string    `json:"action,omitempty"`
			URL            string    `json:"url,omitempty"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.NotificationID == uuid.Nil {
			g.sendError(s, EvClick, "notificationId required")
			return
		}
		n, err := g.store.GetNotification(ctx, req.NotificationID)
		if err != nil {
			g.sendError(s, EvClick, errText(err))
			return
		}
		md := map[string]string{}
		if req.Action != "" {
			md["action"] = req.Action
		}
		if req.URL != "" {
			md["url"] = req.URL
		}
		g.events.TrackEvent(analytics.EventClicked, n, notification.ChannelInApp, md)

	default:
		g.logger.Debug("unknown client event", zap.String("type", msg.Type))
	}
}

// pushPending sends the undelivered backlog to a newly connected
// session.
func (g *Gateway) pushPending(s *session) {
	list, err := g.store.ListByUser(context.Background(), s.userID, store.ListFilter{
		Limit:  pendingFetchLimit,
		Status: notification.StatusSent,
	})
	if err != nil {
		g.logger.Warn("failed to load pending notifications", zap.Error(err))
		return
	}
	if len(list) == 0 {
		return
	}
	g.sendEvent(s, EvPending, map[string]any{
		"notifications": list,
		"count":         len(list),
	})
}

// pushBadge broadcasts the unread count to every connection the user
// holds on this instance.
func (g *Gateway) pushBadge(userID string) {
	count, err := g.store.CountUnread(context.Background(), userID)
	if err != nil {
		g.logger.Warn("failed to count unread", zap.Error(err))
		return
	}
	g.registry.BadgeUpdate(userID, count)
}

func (g *Gateway) sendEvent(s *session, evtype string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = evtype
	raw, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("failed to marshal server event", zap.Error(err))
		return
	}
	if err := s.Send(raw); err != nil {
		g.logger.Debug("server event dropped", zap.String("type", evtype), zap.Error(err))
	}
}

func (g *Gateway) sendSuccess(s *session, evtype string, fields map[string]any) {
	g.sendEvent(s, evtype+":success", fields)
}

func (g *Gateway) sendError(s *session, evtype string, message string) {
	g.sendEvent(s, evtype+":error", map[string]any{"error": message})
}

func idFromData(data json.RawMessage) (uuid.UUID, error) {
	var req struct {
		NotificationID uuid.UUID `json:"notificationId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return uuid.Nil, err
	}
	if req.NotificationID == uuid.Nil {
		return uuid.Nil, errors.New("missing notificationId")
	}
	return req.NotificationID, nil
}

func errText(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "notification not found"
	}
	return "internal error"
}
