// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the thread store, the
// chat gateway client and the mock backend.
//
// # Key Types
//
//   - Message: one chat turn with role, content and optional retrieval context
//   - Context: data points and transcript returned alongside an assistant message
//   - ThreadInfo: metadata for a persisted conversation thread
//   - Overrides: request-time retrieval and generation parameters
//
// Session state is carried as raw JSON (json.RawMessage) everywhere; it is an
// opaque token owned by the backend.
package model
