// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/proxychat/internal/chat"
	"github.com/jeranaias/proxychat/internal/config"
	"github.com/jeranaias/proxychat/internal/gateway"
	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/proxy"
	"github.com/jeranaias/proxychat/internal/session"
	"github.com/jeranaias/proxychat/internal/storage"
)

// app is the wired chat stack: store, session cache, gateway client and the
// chat service on top of them.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    storage.Store
	sessions *session.Cache
	client   *gateway.Client
	chat     *chat.Service
}

// openApp opens the configured thread store and wires the chat stack.
func (e *env) openApp() (*app, error) {
	dir, err := e.cfg.StorageDir()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(e.cfg.Storage.Backend, dir)
	if err != nil {
		return nil, err
	}

	sessions := session.NewCache(store, e.logger)
	client := gateway.NewClient(gatewayOptions(e.cfg), sessions, e.logger)
	if err := client.Validate(); err != nil {
		// Sends fail with the same error; warn early so the REPL user knows.
		e.logger.Warn("gateway.invalid_config", "error", err)
	}

	e.logger.Debug("app.opened", "backend", e.cfg.Storage.Backend, "dir", dir,
		"endpoint", client.Endpoint(), "proxy", client.ProxyURL())

	return &app{
		cfg:      e.cfg,
		logger:   e.logger,
		store:    store,
		sessions: sessions,
		client:   client,
		chat:     chat.NewService(store, client, sessions, e.logger),
	}, nil
}

// Close releases idle connections and the store.
func (a *app) Close() error {
	a.client.CloseIdleConnections()
	return a.store.Close()
}

// reconfigure swaps in a gateway client built from cfg. Storage settings
// only take effect on restart.
func (a *app) reconfigure(cfg *config.Config) {
	client := gateway.NewClient(gatewayOptions(cfg), a.sessions, a.logger)
	old := a.client
	a.client = client
	a.chat.SetSender(client)
	old.CloseIdleConnections()

	if cfg.Storage != a.cfg.Storage {
		a.logger.Warn("config.storage_changed", "note", "restart to use the new thread store")
	}
	a.cfg = cfg
}

// resolveThread finds a thread by full id or unique id prefix.
func (a *app) resolveThread(ref string) (*model.ThreadInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &UsageError{Msg: "thread id required"}
	}
	if info, err := a.chat.Thread(ref); err == nil {
		return info, nil
	} else if !errors.Is(err, storage.ErrThreadNotFound) {
		return nil, err
	}

	threads, err := a.chat.Threads()
	if err != nil {
		return nil, err
	}
	var matches []model.ThreadInfo
	for _, t := range threads {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("thread %q: %w", ref, storage.ErrThreadNotFound)
	case 1:
		return &matches[0], nil
	default:
		return nil, &UsageError{Msg: fmt.Sprintf("thread prefix %q matches %d threads", ref, len(matches))}
	}
}

// =============================================================================
// CONFIG TRANSLATION
// =============================================================================

func gatewayOptions(cfg *config.Config) gateway.Options {
	return gateway.Options{
		Endpoint:  cfg.Client.APIEndpoint,
		ProxyURL:  cfg.Client.ProxyURL,
		Timeout:   cfg.ClientTimeout(),
		Overrides: cfg.Overrides,
	}
}

func proxyConfig(cfg *config.Config) proxy.Config {
	return proxy.Config{
		Addr:               cfg.Proxy.Listen,
		Upstream:           cfg.Proxy.Upstream,
		HistorySize:        cfg.Proxy.HistorySize,
		Timeout:            cfg.ProxyTimeout(),
		RateLimitPerMinute: cfg.Proxy.RateLimitPerMinute,
		RedactHeaders:      proxy.DefaultRedactHeaders,
	}
}
