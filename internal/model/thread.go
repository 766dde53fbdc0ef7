// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// DefaultThreadTitle is used when a thread is created without a title.
const DefaultThreadTitle = "New chat"

// ThreadInfo is the catalog entry for a thread.
type ThreadInfo struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	SessionState json.RawMessage `json:"session_state,omitempty"`
}

// HasSession reports whether the thread holds a session token.
func (t ThreadInfo) HasSession() bool {
	return !IsNullState(t.SessionState)
}

// IsNullState reports whether raw is absent or JSON null.
func IsNullState(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NormalizeState returns nil for absent or null state and a compacted copy
// otherwise, so equal tokens compare byte-for-byte equal.
func NormalizeState(raw json.RawMessage) json.RawMessage {
	if IsNullState(raw) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		out := make(json.RawMessage, len(raw))
		copy(out, raw)
		return out
	}
	return json.RawMessage(buf.Bytes())
}
