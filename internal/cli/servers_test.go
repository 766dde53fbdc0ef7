// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/mockbackend"
	"github.com/jeranaias/proxychat/internal/proxy"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestServeAll_ProxyInFrontOfMock(t *testing.T) {
	mockLn, proxyLn := listen(t), listen(t)

	mock := mockbackend.NewServer(mockLn.Addr().String(), nil, logging.NewNop())
	p, err := proxy.NewServer(proxy.Config{
		Addr:     proxyLn.Addr().String(),
		Upstream: "http://" + mockLn.Addr().String(),
	}, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- serveAll(ctx, &out, logging.NewNop(),
			[]service{
				{name: "mock backend", addr: mockLn.Addr().String(), srv: mock},
				{name: "proxy", addr: proxyLn.Addr().String(), srv: p},
			},
			[]net.Listener{mockLn, proxyLn})
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	proxyURL := "http://" + proxyLn.Addr().String()
	body := `{"messages":[{"role":"user","content":"ping"}],"context":{"thread_id":null,"overrides":{}},"session_state":null}`

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := client.Post(proxyURL+"/chat", "application/json", strings.NewReader(body))
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, gjson.GetBytes(data, "message.content").String(), `you asked "ping"`)

	hist, err := client.Get(proxyURL + "/history")
	require.NoError(t, err)
	data, err = io.ReadAll(hist.Body)
	hist.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(data, "#").Int())
	assert.Equal(t, "/chat", gjson.GetBytes(data, "0.request.path").String())
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("servers did not shut down")
	}
	assert.Contains(t, out.String(), "proxy listening on http://"+proxyLn.Addr().String())
}

func TestRunServices_ListenFailureClosesEarlierListeners(t *testing.T) {
	busy := listen(t)
	defer busy.Close()

	free := listen(t)
	freeAddr := free.Addr().String()
	require.NoError(t, free.Close())

	mock := mockbackend.NewServer(freeAddr, nil, logging.NewNop())
	err := runServices(context.Background(), io.Discard, logging.NewNop(),
		service{name: "mock backend", addr: freeAddr, srv: mock},
		service{name: "proxy", addr: busy.Addr().String(), srv: mock},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy: listen on")

	// The first listener was released.
	again, err := net.Listen("tcp", freeAddr)
	require.NoError(t, err)
	again.Close()
}
