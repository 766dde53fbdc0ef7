// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the proxy's listen address.
	DefaultAddr = "127.0.0.1:3000"

	// DefaultUpstream is the backend that relayed requests are sent to.
	DefaultUpstream = "http://localhost:8000"

	// DefaultTimeout bounds each upstream exchange.
	DefaultTimeout = 30 * time.Second

	// MaxBodySize caps request and response bodies (10MB).
	MaxBodySize = 10 * 1024 * 1024

	// RedactedValue replaces sensitive header values in history.
	RedactedValue = "***"
)

// DefaultRedactHeaders are the headers whose values never reach history.
var DefaultRedactHeaders = []string{"authorization", "proxy-authorization"}

// hopHeaders apply to a single connection and are not relayed.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ============================================================================
// CONFIG
// ============================================================================

// Config configures a Server.
type Config struct {
	Addr     string
	Upstream string
	// HistorySize is the ring buffer capacity.
	HistorySize int
	Timeout     time.Duration
	// RateLimitPerMinute is the per-client budget; 0 disables limiting.
	RateLimitPerMinute int
	RedactHeaders      []string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               DefaultAddr,
		Upstream:           DefaultUpstream,
		HistorySize:        DefaultHistorySize,
		Timeout:            DefaultTimeout,
		RateLimitPerMinute: 600,
		RedactHeaders:      DefaultRedactHeaders,
	}
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Upstream == "" {
		c.Upstream = DefaultUpstream
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if len(c.RedactHeaders) == 0 {
		c.RedactHeaders = DefaultRedactHeaders
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the forwarding proxy.
type Server struct {
	cfg      Config
	upstream *url.URL
	redact   map[string]bool
	client   *http.Client
	logger   *logging.Logger
	handler  http.Handler

	mu       sync.RWMutex
	history  *History
	server   *http.Server
	shutdown bool
}

// NewServer creates a proxy with its own history. The upstream must be an
// absolute http or https URL.
func NewServer(cfg Config, logger *logging.Logger) (*Server, error) {
	cfg.setDefaults()
	upstream, err := util.ParseEndpoint(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", cfg.Upstream, err)
	}

	redact := make(map[string]bool, len(cfg.RedactHeaders))
	for _, h := range cfg.RedactHeaders {
		redact[strings.ToLower(strings.TrimSpace(h))] = true
	}

	// No environment proxy, no transparent gzip: the proxy relays bytes as-is.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DisableCompression = true

	s := &Server{
		cfg:      cfg,
		upstream: upstream,
		redact:   redact,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logging.OrNop(logger).Named("proxy"),
		history: NewHistory(cfg.HistorySize),
	}
	s.handler = s.buildHandler()
	return s, nil
}

// WithHistory replaces the history, e.g. to share one between servers.
func (s *Server) WithHistory(h *History) *Server {
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
	return s
}

// History returns the server's history.
func (s *Server) History() *History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history
}

// Upstream returns the upstream base URL.
func (s *Server) Upstream() string {
	return s.upstream.String()
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Handler returns the full handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleLiveness)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /clear-history", s.handleClearHistory)
	mux.HandleFunc("/", s.handleRelay)

	middlewares := []Middleware{
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
	}
	if s.cfg.RateLimitPerMinute > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimitPerMinute), s.logger))
	}
	return Chain(middlewares...)(rejectConnect(mux))
}

// rejectConnect refuses tunnelling; only plain HTTP is relayed.
func rejectConnect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			writeError(w, http.StatusMethodNotAllowed, "CONNECT is not supported", "invalid_request_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// CONTROL ENDPOINTS
// ============================================================================

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "Proxy server is running"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.History().Snapshot())
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.History().Clear()
	s.logger.Info("proxy.history_cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "History cleared"})
}

// ============================================================================
// RELAY
// ============================================================================

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	rec := Record{
		Request: RequestRecord{
			Timestamp: start.UTC(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			Headers:   s.flattenHeaders(r.Header),
			Body:      recordBody(body),
		},
	}

	status, respHeader, respBody, err := s.forward(r, body)
	rec.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Response = &ResponseRecord{StatusCode: status, Headers: map[string]string{}}
		rec.Error = err.Error()
		stored := s.History().Append(rec)
		s.logger.Warn("proxy.upstream_failed",
			"id", stored.ID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
		writeError(w, status, "upstream request failed: "+err.Error(), "upstream_error")
		return
	}

	rec.Response = &ResponseRecord{
		StatusCode: status,
		Headers:    s.flattenHeaders(respHeader),
		Body:       recordBody(respBody),
	}
	stored := s.History().Append(rec)
	s.logger.Debug("proxy.relayed", "id", stored.ID, "path", r.URL.Path, "status", status)

	copyHeaders(w.Header(), respHeader)
	w.WriteHeader(status)
	w.Write(respBody)
}

// forward sends the request upstream. On failure the returned status is the
// one to answer with: 504 on timeout, 502 otherwise.
func (s *Server) forward(r *http.Request, body []byte) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, s.targetURL(r.URL), bytes.NewReader(body))
	if err != nil {
		return http.StatusBadGateway, nil, nil, err
	}
	copyHeaders(out.Header, r.Header)

	resp, err := s.client.Do(out)
	if err != nil {
		return upstreamFailureStatus(err), nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return upstreamFailureStatus(err), nil, nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if len(data) > MaxBodySize {
		return http.StatusBadGateway, nil, nil, fmt.Errorf("upstream response exceeded %d bytes", MaxBodySize)
	}
	return resp.StatusCode, resp.Header, data, nil
}

// targetURL maps an inbound URL, origin or absolute form, onto the upstream.
func (s *Server) targetURL(in *url.URL) string {
	u := *s.upstream
	u.Path = strings.TrimSuffix(u.Path, "/") + in.Path
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return u.String()
}

func upstreamFailureStatus(err error) int {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// flattenHeaders lowercases keys, joins repeated values and redacts.
func (s *Server) flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		lower := strings.ToLower(key)
		if s.redact[lower] {
			out[lower] = RedactedValue
			continue
		}
		out[lower] = strings.Join(values, ", ")
	}
	return out
}

// copyHeaders copies src into dst without hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				skip[http.CanonicalHeaderKey(f)] = true
			}
		}
	}
	for key, values := range src {
		if skip[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// recordBody keeps JSON bodies as JSON and stores anything else as a string.
func recordBody(b []byte) json.RawMessage {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if gjson.ValidBytes(b) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err == nil {
			return buf.Bytes()
		}
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("proxy.start", "addr", ln.Addr().String(), "upstream", s.upstream.String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes upstream connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	defer s.client.CloseIdleConnections()
	if srv == nil {
		return nil
	}
	s.logger.Info("proxy.shutdown", "recorded", s.History().Len())
	return srv.Shutdown(ctx)
}

// CloseIdleConnections closes pooled upstream connections.
func (s *Server) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
