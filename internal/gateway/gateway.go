// Package gateway defines the reply-producing collaborator contract and its
// HTTP client. The gateway itself (LLM routing, tool dispatch, persona) is a
// separate service; the runtime core only needs the two calls below.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
)

// Gateway turns inbound messages into reply text.
type Gateway interface {
	// ProcessMessage runs the full pipeline for one normalized message and
	// returns the reply text. An empty reply means nothing to send.
	ProcessMessage(ctx context.Context, msg bus.InboundMessage) (string, error)

	// ProcessText feeds out-of-band text into a session without waiting for
	// a reply. Used by the webhook ingress under synthetic session ids.
	ProcessText(ctx context.Context, sessionID, text string) error
}

const (
	defaultGatewayTimeout = 120 * time.Second

	processPath     = "/v1/process"
	processTextPath = "/v1/process_text"

	// maxReplyBytes caps gateway response reads.
	maxReplyBytes = 1 << 20
)

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a gateway client. A non-positive timeout falls back to
// the default; replies can take minutes when the gateway runs long tool loops.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	Platform   string    `json:"platform"`
	SenderID   string    `json:"senderId"`
	ChatID     string    `json:"chatId"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type processResponse struct {
	Reply string `json:"reply"`
}

type processTextRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ProcessMessage posts the normalized message and returns the gateway reply.
func (c *Client) ProcessMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	body, err := c.post(ctx, processPath, processRequest{
		Platform:   msg.Platform,
		SenderID:   msg.SenderID,
		ChatID:     msg.ChatID,
		Text:       msg.Text,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		return "", err
	}
	var resp processResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("gateway: parse response: %w", err)
	}
	return resp.Reply, nil
}

// ProcessText posts out-of-band text into a session. The gateway acknowledges
// receipt; any reply it produces flows back through its own channels.
func (c *Client) ProcessText(ctx context.Context, sessionID, text string) error {
	_, err := c.post(ctx, processTextPath, processTextRequest{SessionID: sessionID, Text: text})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gateway: build request to %q: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: request to %q failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway: upstream returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
