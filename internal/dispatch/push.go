package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
)

const pushTokenMinLen = 16

// PushConfig configures the HTTP push provider dispatcher.
type PushConfig struct {
	EndpointURL string
	APIKey      string
	// TokenPrefix, when set, is required on every device token
	// (e.g. a provider-specific token scheme).
	TokenPrefix string
	Timeout     time.Duration
}

// PushDispatcher sends push notifications through an HTTP provider
// endpoint.
type PushDispatcher struct {
	client      *http.Client
	endpoint    string
	apiKey      string
	tokenPrefix string
	logger      *zap.Logger
}

type pushRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	ID string `json:"id"`
}

// NewPushDispatcher creates a push dispatcher for the provider
// endpoint.
func NewPushDispatcher(cfg PushConfig, logger *zap.Logger) *PushDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &PushDispatcher{
		client:      &http.Client{Timeout: timeout},
		endpoint:    cfg.EndpointURL,
		apiKey:      cfg.APIKey,
		tokenPrefix: cfg.TokenPrefix,
		logger:      logger,
	}
}

func (p *PushDispatcher) Channel() notification.Channel { return notification.ChannelPush }

// ValidateAddress checks the device token shape: minimum length, no
// whitespace, and the configured prefix when one is required.
func (p *PushDispatcher) ValidateAddress(addr string) bool {
	if len(addr) < pushTokenMinLen {
		return false
	}
	if strings.ContainsAny(addr, " \t\n") {
		return false
	}
	if p.tokenPrefix != "" && !strings.HasPrefix(addr, p.tokenPrefix) {
		return false
	}
	return true
}

// Send posts the notification to the provider endpoint. 2xx responses
// are success; the provider message id is taken from the response when
// present.
func (p *PushDispatcher) Send(ctx context.Context, d *Delivery) (string, error) {
	n := d.Notification
	body, err := json.Marshal(pushRequest{
		Token: d.Address,
		Title: n.Title,
		Body:  n.Message,
		Data:  n.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("push provider returned status %d: %s", resp.StatusCode, string(respBytes))
	}

	msgID := n.ID.String()
	var parsed pushResponse
	if err := json.Unmarshal(respBytes, &parsed); err == nil && parsed.ID != "" {
		msgID = parsed.ID
	}

	p.logger.Info("push delivered",
		zap.String("notification_id", n.ID.String()),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message_id", msgID),
	)
	return msgID, nil
}
