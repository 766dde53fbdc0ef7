// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/session"
	"github.com/jeranaias/proxychat/internal/util"
)

const (
	// DefaultEndpoint is the mock backend's chat route.
	DefaultEndpoint = "http://localhost:8000/chat"

	// DefaultTimeout bounds every chat request.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum accepted response body size.
	MaxResponseSize = 10 * 1024 * 1024
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatRequest is the body posted to the chat endpoint.
type ChatRequest struct {
	Messages     []WireMessage   `json:"messages"`
	Context      RequestContext  `json:"context"`
	SessionState json.RawMessage `json:"session_state"`
}

// WireMessage is a message as the backend sees it.
type WireMessage struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// RequestContext carries the thread id and the overrides.
type RequestContext struct {
	ThreadID  *string         `json:"thread_id"`
	Overrides model.Overrides `json:"overrides"`
}

// ChatResponse is the body returned by the chat endpoint.
type ChatResponse struct {
	Message      *WireMessage    `json:"message"`
	Context      *model.Context  `json:"context,omitempty"`
	SessionState json.RawMessage `json:"session_state,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
}

// Response is the normalized result handed to callers.
type Response struct {
	Message      model.Message
	SessionState json.RawMessage
	ThreadID     string
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	Endpoint  string
	ProxyURL  string
	Timeout   time.Duration
	Overrides model.Overrides
}

// Client sends chat turns to the backend.
type Client struct {
	endpoint   *url.URL
	proxyURL   *url.URL
	configErr  error
	overrides  model.Overrides
	httpClient *http.Client
	sessions   *session.Cache
	logger     *logging.Logger
}

// NewClient creates a client. Invalid settings do not fail construction;
// they are reported by Validate and by every SendMessage.
func NewClient(opts Options, sessions *session.Cache, logger *logging.Logger) *Client {
	logger = logging.OrNop(logger).Named("gateway")
	if sessions == nil {
		sessions = session.NewCache(nil, logger)
	}
	c := &Client{
		overrides: opts.Overrides,
		sessions:  sessions,
		logger:    logger,
	}

	endpoint, err := util.ParseEndpoint(opts.Endpoint)
	if err != nil {
		c.configErr = &ConfigError{Field: "api_endpoint", Err: err}
	}
	c.endpoint = endpoint

	// An explicitly configured proxy must be usable; there is no fallback
	// to a direct connection.
	proxyURL, err := util.NormalizeProxyURL(opts.ProxyURL)
	if err != nil && c.configErr == nil {
		c.configErr = &ConfigError{Field: "proxy_url", Err: err}
	}
	c.proxyURL = proxyURL

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	c.httpClient = &http.Client{Transport: transport, Timeout: timeout}
	return c
}

// WithHTTPClient replaces the HTTP client. The caller is responsible for its
// proxy and timeout settings.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithTimeout sets the request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.httpClient.Timeout = d
	return c
}

// Validate reports the configuration error, if any.
func (c *Client) Validate() error {
	return c.configErr
}

// Endpoint returns the configured endpoint, or "" if it is invalid.
func (c *Client) Endpoint() string {
	if c.endpoint == nil {
		return ""
	}
	return c.endpoint.String()
}

// ProxyURL returns the normalized proxy URL with credentials redacted, or ""
// when no proxy is configured.
func (c *Client) ProxyURL() string {
	if c.proxyURL == nil {
		return ""
	}
	return c.proxyURL.Redacted()
}

// Overrides returns the overrides sent with each request.
func (c *Client) Overrides() model.Overrides {
	return c.overrides
}

// SessionState returns the last known session state for threadID.
func (c *Client) SessionState(threadID string) (json.RawMessage, error) {
	return c.sessions.Get(threadID)
}

// SetSessionState records session state for threadID, e.g. when restoring a thread.
func (c *Client) SetSessionState(threadID string, state json.RawMessage) error {
	return c.sessions.Put(threadID, state)
}

// CloseIdleConnections closes pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// SendMessage posts history to the backend and returns the assistant's reply.
// When threadID is set, the thread's session state is sent along and the
// returned state replaces it.
func (c *Client) SendMessage(ctx context.Context, history []model.Message, threadID string) (*Response, error) {
	if c.configErr != nil {
		return nil, c.configErr
	}

	var state json.RawMessage
	if threadID != "" {
		s, err := c.sessions.Get(threadID)
		if err != nil {
			// Without the token the backend starts a fresh session.
			c.logger.Warn("gateway.session_read_failed", "thread_id", threadID, "error", err)
		}
		state = s
	}

	payload := c.buildRequest(history, threadID, state)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.logger.Debug("gateway.request",
		"thread_id", threadID,
		"messages", len(payload.Messages),
		"has_session", state != nil,
		"via_proxy", c.proxyURL != nil,
	)

	start := time.Now()
	chatResp, status, err := c.doRequest(ctx, body)
	if err != nil {
		c.logger.Warn("gateway.failed", "thread_id", threadID, "kind", KindOf(err), "error", err)
		return nil, err
	}

	resp := &Response{
		Message:      model.NewAssistantMessage(chatResp.Message.Content, chatResp.Context),
		SessionState: model.NormalizeState(chatResp.SessionState),
		ThreadID:     threadID,
	}
	if threadID != "" {
		// Persistence failures are logged by the cache; the answer stands.
		_ = c.sessions.Put(threadID, resp.SessionState)
	}

	c.logger.Info("gateway.response",
		"thread_id", threadID,
		"status", status,
		"has_session", resp.SessionState != nil,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (c *Client) buildRequest(history []model.Message, threadID string, state json.RawMessage) ChatRequest {
	messages := make([]WireMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, WireMessage{Role: m.Role, Content: m.Content})
	}
	req := ChatRequest{
		Messages:     messages,
		Context:      RequestContext{Overrides: c.overrides},
		SessionState: state,
	}
	if threadID != "" {
		id := threadID
		req.Context.ThreadID = &id
	}
	return req
}

// doRequest performs the POST and maps every failure onto the error taxonomy.
func (c *Client) doRequest(ctx context.Context, body []byte) (*ChatResponse, int, error) {
	target := c.endpoint.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &ConfigError{Field: "api_endpoint", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Cause: classifyNetworkError(err), URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		var tooLarge *responseTooLargeError
		if errors.As(err, &tooLarge) {
			return nil, resp.StatusCode, &DecodeError{Body: string(data), Err: err}
		}
		return nil, resp.StatusCode, &NetworkError{Cause: classifyNetworkError(err), URL: target, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    errorMessage(data),
			Body:       string(data),
		}
	}

	if !gjson.ValidBytes(data) {
		return nil, resp.StatusCode, &DecodeError{Body: string(data), Err: errors.New("body is not valid JSON")}
	}
	if truthy(gjson.GetBytes(data, "error")) {
		return nil, resp.StatusCode, &BackendError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return nil, resp.StatusCode, &DecodeError{Body: string(data), Err: err}
	}
	if chatResp.Message == nil {
		return nil, resp.StatusCode, &DecodeError{Body: string(data), Err: errors.New("response has no message")}
	}
	return &chatResp, resp.StatusCode, nil
}

type responseTooLargeError struct {
	limit int64
}

func (e *responseTooLargeError) Error() string {
	return fmt.Sprintf("response exceeded maximum size of %d bytes", e.limit)
}

// readResponse reads at most MaxResponseSize bytes of the body.
func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return data[:512], &responseTooLargeError{limit: MaxResponseSize}
	}
	return data, nil
}

// truthy reports whether an error field carries anything. An empty string,
// false, 0, null or an empty object or array means no error.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.True:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.JSON:
		if r.IsArray() {
			return len(r.Array()) > 0
		}
		return len(r.Map()) > 0
	default:
		return false
	}
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(data []byte) string {
	if !gjson.ValidBytes(data) {
		return ""
	}
	for _, path := range []string{"error.message", "error", "detail", "message.content"} {
		r := gjson.GetBytes(data, path)
		if r.Exists() && r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}
