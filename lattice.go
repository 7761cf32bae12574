// Package lattice is the Go client core for the Lattice IM proxy API.
//
// It implements the conversation state machine a chat UI renders from:
// history fetch and cache, optimistic send/edit/delete with realtime-first
// delivery and REST fallback, reconciliation of cache/REST/push batches into
// one de-duplicated ordered timeline, and a date-grouped presentation view.
//
// Example:
//
//	client := lattice.NewClient("lat-token-...")
//	session := lattice.NewSession("friend-42",
//		lattice.Resolver{LocalUserID: "me"}, client, nil)
//	_ = session.Open(ctx)
//	_ = session.Send(ctx, "hello!")
//	for _, group := range session.Grouped() {
//		fmt.Println(group.Label, len(group.Messages))
//	}
package lattice

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

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://lattice.chat"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the proxy API: message history, send, edit,
// delete, read marks. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
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

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a proxy API client. token may be empty for endpoints
// that allow anonymous access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Realtime creates a push-channel client against the same deployment. A nil
// config connects with the client's token and default reconnect settings.
func (c *Client) Realtime(cfg *RealtimeConfig) *RealtimeClient {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	return NewRealtimeClient(c.baseURL, cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
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
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError turns an HTTP failure into a typed APIError so callers can
// distinguish rejection classes.
func statusError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	var envelope struct {
		Error   *APIError `json:"error"`
		Message string    `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Error != nil {
			apiErr = envelope.Error
		} else if envelope.Message != "" {
			apiErr.Message = envelope.Message
		}
	}
	if apiErr.Code == "" {
		switch {
		case status == http.StatusNotFound:
			apiErr.Code = "NOT_FOUND"
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			apiErr.Code = "FORBIDDEN"
		case status >= 500:
			apiErr.Code = "SERVER_ERROR"
		default:
			apiErr.Code = "REQUEST_FAILED"
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d", status)
	}
	return apiErr
}

// ============================================================================
// Message API
// ============================================================================

// FetchHistory returns one page of raw message records for a conversation.
// Records keep their server field names; NormalizeBatch collapses the
// aliases. The response body may be a bare array or wrapped under data /
// messages, depending on proxy version.
func (c *Client) FetchHistory(ctx context.Context, conversationKey string, limit, offset int) ([]map[string]any, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	if offset > 0 {
		query["offset"] = fmt.Sprintf("%d", offset)
	}
	data, err := c.doRequest(ctx, "GET", "/api/chat/"+conversationKey+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

// SendMessage posts a message and returns the authoritative id, or "" when
// the proxy acknowledged without assigning one.
func (c *Client) SendMessage(ctx context.Context, conversationKey, content string) (string, error) {
	data, err := c.doRequest(ctx, "POST", "/api/chat/"+conversationKey+"/messages",
		map[string]string{"content": content}, nil)
	if err != nil {
		return "", err
	}
	return extractMessageID(data), nil
}

// EditMessage rewrites a message's content.
func (c *Client) EditMessage(ctx context.Context, conversationKey, messageID, content string) error {
	data, err := c.doRequest(ctx, "PATCH", "/api/chat/"+conversationKey+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return err
	}
	return truthyResponse(data)
}

// DeleteMessage deletes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, conversationKey, messageID string) error {
	data, err := c.doRequest(ctx, "DELETE", "/api/chat/"+conversationKey+"/messages/"+messageID, nil, nil)
	if err != nil {
		return err
	}
	return truthyResponse(data)
}

// MarkRead marks the conversation read up to the latest message.
func (c *Client) MarkRead(ctx context.Context, conversationKey string) error {
	data, err := c.doRequest(ctx, "POST", "/api/chat/"+conversationKey+"/read", nil, nil)
	if err != nil {
		return err
	}
	return truthyResponse(data)
}

// ============================================================================
// Response shape tolerance
// ============================================================================

// decodeRecords accepts the known history payload shapes: a bare array,
// {"data": [...]}, {"messages": [...]}, or {"data": {"messages": [...]}}.
func decodeRecords(data []byte) ([]map[string]any, error) {
	var bare []map[string]any
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}

	var wrapped struct {
		Data     json.RawMessage  `json:"data"`
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}
	if wrapped.Messages != nil {
		return wrapped.Messages, nil
	}
	if wrapped.Data != nil {
		if err := json.Unmarshal(wrapped.Data, &bare); err == nil {
			return bare, nil
		}
		var inner struct {
			Messages []map[string]any `json:"messages"`
		}
		if err := json.Unmarshal(wrapped.Data, &inner); err == nil && inner.Messages != nil {
			return inner.Messages, nil
		}
	}
	return nil, fmt.Errorf("unrecognized history response shape")
}

// extractMessageID probes a send response for the authoritative id under the
// keys proxy versions have used.
func extractMessageID(data []byte) string {
	var body map[string]any
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	if id := firstStr(body, "id", "message_id", "messageId"); id != "" {
		return id
	}
	for _, key := range []string{"data", "message"} {
		nested, ok := body[key].(map[string]any)
		if !ok {
			continue
		}
		if id := firstStr(nested, "id", "message_id", "messageId"); id != "" {
			return id
		}
		if msg, ok := nested["message"].(map[string]any); ok {
			if id := firstStr(msg, "id", "message_id", "messageId"); id != "" {
				return id
			}
		}
	}
	return ""
}

// truthyResponse treats an empty body or any body without an explicit false
// ok/success flag as success.
func truthyResponse(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var body map[string]any
	if json.Unmarshal(data, &body) != nil {
		return nil
	}
	for _, key := range []string{"ok", "success"} {
		if v, present := body[key]; present {
			if b, isBool := v.(bool); isBool && !b {
				return responseError(body)
			}
		}
	}
	return nil
}

func responseError(body map[string]any) error {
	if nested, ok := body["error"].(map[string]any); ok {
		return &APIError{
			Code:    firstStr(nested, "code"),
			Message: firstStr(nested, "message"),
		}
	}
	msg := firstStr(body, "error", "message")
	if msg == "" {
		msg = "request rejected"
	}
	return &APIError{Code: "REQUEST_FAILED", Message: msg}
}
