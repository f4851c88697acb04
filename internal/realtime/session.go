package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var errSlowConsumer = errors.New("send buffer full")

// session is one websocket connection. It implements registry.Conn;
// outbound payloads go through the buffered send channel so Send never
// blocks the caller on socket I/O.
type session struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(ws *websocket.Conn, userID string, logger *zap.Logger) *session {
	return &session{
		id:     uuid.New().String(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *session) ID() string     { return s.id }
func (s *session) UserID() string { return s.userID }

// Send queues a payload for the write pump, dropping notification:new
// payloads whose notification type the session has filtered out.
func (s *session) Send(payload []byte) error {
	if !s.wants(payload) {
		return nil
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errors.New("session closed")
	default:
		// A full buffer means the client stopped reading; close
		// rather than block delivery to the user's other connections.
		s.close()
		return errSlowConsumer
	}
}

// wants applies the subscription filter. An empty filter accepts every
// type; only notification:new payloads are filtered.
func (s *session) wants(payload []byte) bool {
	s.mu.Lock()
	n := len(s.subs)
	s.mu.Unlock()
	if n == 0 {
		return true
	}

	var env struct {
		Type         string `json:"type"`
		Notification struct {
			Type string `json:"type"`
		} `json:"notification"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return true
	}
	if env.Type != relay.EventNew {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[env.Notification.Type]
	return ok
}

func (s *session) subscribe(types []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.subs[t] = struct{}{}
	}
}

func (s *session) unsubscribe(types []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		delete(s.subs, t)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with protocol pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
