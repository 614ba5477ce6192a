// Package chatsync keeps a device-local view of marketplace chat in step
// with the backend: it resolves conversation identity, caches timelines
// durably, reconciles optimistic sends against server echoes, and projects
// the deduplicated conversation list.
//
// Example:
//
//	cache, _ := chatsync.OpenPebbleCache("/var/lib/chatsync", logger)
//	engine := chatsync.NewEngine("user-42", cache,
//		chatsync.WithRESTClient(chatsync.NewClient("https://api.example.com", token)),
//		chatsync.WithLogger(logger),
//	)
//	engine.Start()
//	engine.OpenConversation(chatsync.PartialIdentity{OtherID: "user-7"})
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

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API: conversation history, the user
// directory, and the edit/delete fallback used when the push channel is
// down.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new API client. token may be "" for endpoints that
// allow anonymous reads.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
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
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var decoded APIError
		if json.Unmarshal(data, &decoded) == nil && decoded.Message != "" {
			apiErr.Message = decoded.Message
			apiErr.Code = decoded.Code
		}
		return nil, apiErr
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

// ============================================================================
// Messages
// ============================================================================

// History fetches the full server-side timeline for a conversation.
func (c *Client) History(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/api/messages/conversation/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// EditMessage rewrites a message body server-side. Used when the push
// channel is unavailable.
func (c *Client) EditMessage(ctx context.Context, messageID, body string) error {
	payload := map[string]string{"body": body}
	_, err := c.doRequest(ctx, "PUT", "/api/messages/"+url.PathEscape(messageID), payload, nil)
	return err
}

// DeleteMessage removes a message server-side. Used when the push channel
// is unavailable.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// ============================================================================
// Directory
// ============================================================================

// Directory fetches the marketplace user directory used to enrich
// conversations that were only ever observed as bare ids.
func (c *Client) Directory(ctx context.Context) ([]DirectoryEntry, error) {
	data, err := c.doRequest(ctx, "GET", "/api/directory", nil, nil)
	if err != nil {
		return nil, err
	}
	entries, err := decodeJSON[[]DirectoryEntry](data)
	if err != nil {
		return nil, err
	}
	return *entries, nil
}
