// Package chatsync implements the offline-first message delivery and
// synchronization engine behind the chat feature.
//
// The engine persists conversation history locally, queues messages composed
// while disconnected, reconciles client-generated messages with
// server-assigned identities, tracks per-message delivery state, and retries
// failed sends once connectivity returns. The local store is the source of
// truth while offline and converges to server truth when a connection is
// available.
//
// Usage:
//
//	store, _ := chatsync.NewPebbleStore(dir, "user-1")
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	monitor := chatsync.NewNetworkMonitor()
//	lm := chatsync.NewLifecycleManager(store, client, monitor)
//	sc := chatsync.NewSyncCoordinator(store, client, monitor, lm)
//	view := chatsync.NewConversationView(store, monitor, lm, sc)
//	view.Open("partner-42")
//	view.Send("hello", "")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chat.meshline.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client consumes the remote message API: submit a message, fetch history for
// a partner, mark a partner's messages read. It is transport glue only; all
// delivery-state decisions live in the LifecycleManager.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a remote API client. token may be empty for servers that
// authenticate some other way.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		// the envelope may still carry a structured error
		var res Result
		if json.Unmarshal(data, &res) == nil && res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

// ============================================================================
// Message API
// ============================================================================

// SendMessage submits a message for the receiving partner and returns the
// server's record of it. A response without a server-assigned id is reported
// as an error so the caller treats it as a failed send rather than
// reconciling against garbage.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*RemoteMessage, error) {
	res, err := c.do(ctx, "POST", "/api/chat/messages/"+req.ReceiverID, req, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("send rejected")
	}
	var data sendMessageData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("malformed send response: %w", err)
	}
	if data.Message.ID == "" {
		return nil, fmt.Errorf("malformed send response: missing message id")
	}
	return &data.Message, nil
}

// GetMessages fetches the full remote history for a partner.
func (c *Client) GetMessages(ctx context.Context, partnerID string) ([]RemoteMessage, error) {
	res, err := c.do(ctx, "GET", "/api/chat/messages/"+partnerID, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("history fetch rejected")
	}
	var data messageHistoryData
	if err := res.Decode(&data); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}
	return data.Messages, nil
}

// MarkMessagesAsRead marks all of the partner's messages read and returns the
// resulting unread count (zero on success).
func (c *Client) MarkMessagesAsRead(ctx context.Context, partnerID string) (int, error) {
	res, err := c.do(ctx, "POST", "/api/chat/conversations/"+partnerID+"/read", nil, nil)
	if err != nil {
		return 0, err
	}
	if !res.OK {
		if res.Error != nil {
			return 0, res.Error
		}
		return 0, fmt.Errorf("mark read rejected")
	}
	var data markReadData
	if err := res.Decode(&data); err != nil {
		return 0, fmt.Errorf("malformed mark-read response: %w", err)
	}
	return data.UnreadCount, nil
}
