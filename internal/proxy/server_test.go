// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/proxychat/internal/gateway"
	"github.com/jeranaias/proxychat/internal/mockbackend"
	"github.com/jeranaias/proxychat/internal/model"
)

// seenRequest is what the fake upstream observed.
type seenRequest struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	Custom        string
	Body          string
}

type fakeUpstream struct {
	mu   sync.Mutex
	seen []seenRequest
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.seen = append(u.seen, seenRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Authorization: r.Header.Get("Authorization"),
		Custom:        r.Header.Get("X-Custom"),
		Body:          string(body),
	})
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream", "yes")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, `{"ok": true}`)
}

func (u *fakeUpstream) last() seenRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seen[len(u.seen)-1]
}

func newProxy(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	p, err := NewServer(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		srv.Close()
		p.CloseIdleConnections()
	})
	return p, srv
}

func do(t *testing.T, method, url string, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	defer client.CloseIdleConnections()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// =============================================================================
// CONTROL ENDPOINTS
// =============================================================================

func TestProxy_Liveness(t *testing.T) {
	_, srv := newProxy(t, Config{Upstream: "http://" + closedAddr(t)})

	resp, body := do(t, http.MethodGet, srv.URL+"/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"Proxy server is running"}`, string(body))
}

func TestProxy_HistoryStartsEmpty(t *testing.T) {
	_, srv := newProxy(t, Config{Upstream: "http://" + closedAddr(t)})

	resp, body := do(t, http.MethodGet, srv.URL+"/history", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestNewServer_RejectsBadUpstream(t *testing.T) {
	for _, upstream := range []string{"localhost:8000", "ftp://host", "http://"} {
		_, err := NewServer(Config{Upstream: upstream}, nil)
		assert.Error(t, err, "upstream %q", upstream)
	}
}

func TestNewServer_Defaults(t *testing.T) {
	p, err := NewServer(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, p.Addr())
	assert.Equal(t, DefaultUpstream, p.Upstream())
	assert.Equal(t, DefaultHistorySize, p.History().Cap())
}

// =============================================================================
// RELAY
// =============================================================================

func TestProxy_RelaysAndRecords(t *testing.T) {
	upstream := &fakeUpstream{}
	up := httptest.NewServer(upstream)
	defer up.Close()

	_, srv := newProxy(t, Config{Upstream: up.URL})

	resp, body := do(t, http.MethodPost, srv.URL+"/chat?mode=fast&x=1", `{"messages":[]}`, map[string]string{
		"Authorization": "Bearer sk-secret",
		"X-Custom":      "kept",
		"Content-Type":  "application/json",
	})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.JSONEq(t, `{"ok":true}`, string(body))

	seen := upstream.last()
	assert.Equal(t, seenRequest{
		Method:        http.MethodPost,
		Path:          "/chat",
		Query:         "mode=fast&x=1",
		Authorization: "Bearer sk-secret",
		Custom:        "kept",
		Body:          `{"messages":[]}`,
	}, seen)

	_, history := do(t, http.MethodGet, srv.URL+"/history", "", nil)
	records := gjson.ParseBytes(history).Array()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "POST", rec.Get("request.method").String())
	assert.Equal(t, "/chat", rec.Get("request.path").String())
	assert.Equal(t, "mode=fast&x=1", rec.Get("request.query").String())
	assert.Equal(t, RedactedValue, rec.Get("request.headers.authorization").String())
	assert.Equal(t, "kept", rec.Get("request.headers.x-custom").String())
	assert.JSONEq(t, `{"messages":[]}`, rec.Get("request.body").Raw)
	assert.Equal(t, int64(201), rec.Get("response.status_code").Int())
	assert.JSONEq(t, `{"ok":true}`, rec.Get("response.body").Raw)
	assert.False(t, rec.Get("error").Exists())
	assert.NotContains(t, string(history), "sk-secret")
}

func TestProxy_RecordsBodiesByShape(t *testing.T) {
	upstream := &fakeUpstream{}
	up := httptest.NewServer(upstream)
	defer up.Close()

	p, srv := newProxy(t, Config{Upstream: up.URL})

	do(t, http.MethodGet, srv.URL+"/empty", "", nil)
	do(t, http.MethodPost, srv.URL+"/text", "plain words", nil)

	snap := p.History().Snapshot()
	require.Len(t, snap, 2)
	assert.Nil(t, snap[0].Request.Body)
	assert.Equal(t, `"plain words"`, string(snap[1].Request.Body))

	_, history := do(t, http.MethodGet, srv.URL+"/history", "", nil)
	assert.Equal(t, gjson.Null, gjson.GetBytes(history, "0.request.body").Type)
}

func TestProxy_HistoryCapAfterManyRelays(t *testing.T) {
	upstream := &fakeUpstream{}
	up := httptest.NewServer(upstream)
	defer up.Close()

	p, srv := newProxy(t, Config{Upstream: up.URL})

	for i := 0; i <= DefaultHistorySize; i++ {
		resp, _ := do(t, http.MethodGet, fmt.Sprintf("%s/n/%d", srv.URL, i), "", nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	snap := p.History().Snapshot()
	require.Len(t, snap, DefaultHistorySize)
	assert.Equal(t, "/n/1", snap[0].Request.Path, "oldest relay evicted")
	for i, rec := range snap {
		assert.Equal(t, fmt.Sprintf("/n/%d", i+1), rec.Request.Path)
	}
}

func TestProxy_ClearHistory(t *testing.T) {
	upstream := &fakeUpstream{}
	up := httptest.NewServer(upstream)
	defer up.Close()

	p, srv := newProxy(t, Config{Upstream: up.URL})
	do(t, http.MethodGet, srv.URL+"/one", "", nil)
	require.Equal(t, 1, p.History().Len())

	resp, body := do(t, http.MethodPost, srv.URL+"/clear-history", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"History cleared"}`, string(body))
	assert.Equal(t, 0, p.History().Len())
}

func TestProxy_SharedHistory(t *testing.T) {
	upstream := &fakeUpstream{}
	up := httptest.NewServer(upstream)
	defer up.Close()

	shared := NewHistory(5)
	p, srv := newProxy(t, Config{Upstream: up.URL})
	p.WithHistory(shared)

	do(t, http.MethodGet, srv.URL+"/shared", "", nil)
	assert.Equal(t, 1, shared.Len())
}

func TestProxy_UpstreamDown(t *testing.T) {
	p, srv := newProxy(t, Config{Upstream: "http://" + closedAddr(t)})

	resp, body := do(t, http.MethodPost, srv.URL+"/chat", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream_error", gjson.GetBytes(body, "error.type").String())
	assert.Equal(t, int64(502), gjson.GetBytes(body, "error.code").Int())
	assert.NotEmpty(t, gjson.GetBytes(body, "error.message").String())

	snap := p.History().Snapshot()
	require.Len(t, snap, 1, "failed exchanges are recorded")
	assert.NotEmpty(t, snap[0].Error)
	require.NotNil(t, snap[0].Response)
	assert.Equal(t, http.StatusBadGateway, snap[0].Response.StatusCode)

	// The proxy keeps serving.
	resp, _ = do(t, http.MethodGet, srv.URL+"/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_UpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer up.Close()
	defer close(release)

	p, srv := newProxy(t, Config{Upstream: up.URL, Timeout: 50 * time.Millisecond})

	resp, body := do(t, http.MethodGet, srv.URL+"/slow", "", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "upstream_error", gjson.GetBytes(body, "error.type").String())
	assert.Equal(t, 1, p.History().Len())
}

func TestProxy_DoesNotFollowRedirects(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer up.Close()

	_, srv := newProxy(t, Config{Upstream: up.URL})

	resp, _ := do(t, http.MethodGet, srv.URL+"/moved", "", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestProxy_UpstreamPathPrefix(t *testing.T) {
	upstream := &fakeUpstream{}
	up := httptest.NewServer(upstream)
	defer up.Close()

	_, srv := newProxy(t, Config{Upstream: up.URL + "/api/"})
	do(t, http.MethodGet, srv.URL+"/chat", "", nil)
	assert.Equal(t, "/api/chat", upstream.last().Path)
}

func TestProxy_RejectsConnect(t *testing.T) {
	p, err := NewServer(Config{}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodConnect, "example.com:443", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, p.History().Len())
}

func TestProxy_RateLimit(t *testing.T) {
	p, err := NewServer(Config{RateLimitPerMinute: 2}, nil)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		p.Handler().ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "2", last.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "60", last.Header().Get("Retry-After"))

	// Another client has its own budget.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	p.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxy_DefaultConfigRelaysHeadersUnchanged(t *testing.T) {
	upstream := httptest.NewServer(&fakeUpstream{})
	defer upstream.Close()

	cfg := DefaultConfig()
	cfg.Upstream = upstream.URL
	require.Positive(t, cfg.RateLimitPerMinute)
	_, srv := newProxy(t, cfg)

	direct, directBody := do(t, http.MethodPost, upstream.URL+"/chat", `{}`, nil)
	relayed, relayedBody := do(t, http.MethodPost, srv.URL+"/chat", `{}`, nil)

	assert.Equal(t, direct.StatusCode, relayed.StatusCode)
	assert.Equal(t, string(directBody), string(relayedBody))

	keys := func(h http.Header) []string {
		out := make([]string, 0, len(h))
		for k := range h {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	}
	assert.Equal(t, keys(direct.Header), keys(relayed.Header))
	for _, k := range []string{"Content-Type", "X-Upstream", "Content-Length"} {
		assert.Equal(t, direct.Header.Get(k), relayed.Header.Get(k), k)
	}
	assert.Empty(t, relayed.Header.Get("X-RateLimit-Limit"))
}

func TestProxy_RateLimitDisabled(t *testing.T) {
	p, err := NewServer(Config{RateLimitPerMinute: 0}, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

// =============================================================================
// MIDDLEWARE AND HELPERS
// =============================================================================

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(RecoveryMiddleware(nil), LoggingMiddleware(nil))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mark("a"), mark("b"), mark("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestCopyHeaders_DropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive, X-Session-Hop")
	src.Set("X-Session-Hop", "1")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Proxy-Authorization", "Basic Zm9v")
	src.Add("X-Multi", "a")
	src.Add("X-Multi", "b")
	src.Set("Authorization", "Bearer kept")

	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Equal(t, http.Header{
		"X-Multi":       {"a", "b"},
		"Authorization": {"Bearer kept"},
	}, dst)
}

func TestFlattenHeaders(t *testing.T) {
	p, err := NewServer(Config{RedactHeaders: []string{"Authorization", "X-Api-Key"}}, nil)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer x")
	h.Set("X-Api-Key", "k")
	h.Add("Accept", "text/plain")
	h.Add("Accept", "application/json")

	assert.Equal(t, map[string]string{
		"authorization": RedactedValue,
		"x-api-key":     RedactedValue,
		"accept":        "text/plain, application/json",
	}, p.flattenHeaders(h))
}

// =============================================================================
// END TO END
// =============================================================================

func TestProxy_GatewayThroughProxyToMockBackend(t *testing.T) {
	mock := mockbackend.NewServer("", nil, nil)
	backend := httptest.NewServer(mock.Handler())
	defer backend.Close()

	p, srv := newProxy(t, Config{Upstream: backend.URL})

	client := gateway.NewClient(gateway.Options{
		Endpoint:  "http://backend.invalid/chat",
		ProxyURL:  strings.TrimPrefix(srv.URL, "http://"),
		Overrides: model.DefaultOverrides(),
	}, nil, nil)
	defer client.CloseIdleConnections()

	history := []model.Message{model.NewUserMessage("hello")}
	resp, err := client.SendMessage(context.Background(), history, "demo-thread")
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(resp.SessionState, "message_counter").Int())

	history = append(history, resp.Message, model.NewUserMessage("and again"))
	resp, err = client.SendMessage(context.Background(), history, "demo-thread")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(resp.SessionState, "message_counter").Int())

	snap := p.History().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "/chat", snap[1].Request.Path)
	assert.Equal(t, http.StatusOK, snap[1].Response.StatusCode)

	var sent struct {
		SessionState json.RawMessage `json:"session_state"`
	}
	require.NoError(t, json.Unmarshal(snap[1].Request.Body, &sent))
	assert.Equal(t, int64(1), gjson.GetBytes(sent.SessionState, "message_counter").Int(),
		"the second request carries the first token")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestServer_ServeAndShutdown(t *testing.T) {
	p, err := NewServer(Config{Upstream: "http://" + closedAddr(t)}, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	http.DefaultClient.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.NoError(t, <-done)
}
