// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package proxy implements the forwarding proxy that sits between the chat
// client and the backend.
//
// Endpoints:
//   - GET  /              - Liveness
//   - GET  /history       - Recorded exchanges, oldest first
//   - POST /clear-history - Drop every recorded exchange
//   - *    /*             - Relay to the upstream
//
// Every relayed exchange is recorded in a bounded ring buffer with
// credentials redacted. The upstream receives the original headers.
package proxy
