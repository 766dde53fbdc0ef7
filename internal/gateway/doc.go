// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway implements the chat gateway client.
//
// The client posts a thread's history to a retrieval-augmented chat endpoint,
// echoes the thread's opaque session state back to the backend, and stores
// the state returned with each answer. Every failure comes back as one of the
// typed errors in errors.go; KindOf classifies them for display.
//
// # Usage
//
//	client := gateway.NewClient(gateway.Options{
//	    Endpoint:  "http://localhost:8000/chat",
//	    ProxyURL:  "127.0.0.1:3000",
//	    Overrides: model.DefaultOverrides(),
//	}, session.NewCache(store, logger), logger)
//
//	resp, err := client.SendMessage(ctx, history, threadID)
//	switch gateway.KindOf(err) {
//	case gateway.KindConfig:
//	    // fix settings
//	case gateway.KindNetwork:
//	    // retry later
//	}
//
// # Proxy Support
//
// A configured proxy is mandatory for every request. A proxy URL without a
// scheme is treated as http://host:port; an unparseable one is a ConfigError
// and nothing is sent.
package gateway
