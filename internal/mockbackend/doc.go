// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mockbackend is a stand-in chat backend for local testing.
//
// It answers POST /chat with a deterministic echo and maintains a session
// table: a request without session state gets a fresh token with
// message_counter 1, a request with a known session_id gets its counter
// incremented, and an unknown session_id (for example after a restart) is
// silently replaced by a fresh token.
package mockbackend
