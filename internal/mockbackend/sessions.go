// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockbackend

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionToken is the session state the mock backend hands out.
type SessionToken struct {
	SessionID      string    `json:"session_id"`
	MessageCounter int       `json:"message_counter"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionTable tracks live sessions. It lives as long as the server and is
// only emptied through Reset.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*SessionToken

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

// NewSessionTable creates an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*SessionToken),
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
	}
}

// Advance resolves the session carried by state and returns its next token.
// Missing, malformed or unknown state starts a new session.
func (t *SessionTable) Advance(state json.RawMessage) (SessionToken, bool) {
	var incoming struct {
		SessionID string `json:"session_id"`
	}
	if len(state) > 0 {
		// Anything that is not an object with a session_id is a new session.
		_ = json.Unmarshal(state, &incoming)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if incoming.SessionID != "" {
		if tok, ok := t.sessions[incoming.SessionID]; ok {
			tok.MessageCounter++
			return *tok, true
		}
	}

	tok := &SessionToken{
		SessionID:      t.NewID(),
		MessageCounter: 1,
		CreatedAt:      t.Now().Truncate(time.Second),
	}
	t.sessions[tok.SessionID] = tok
	return *tok, false
}

// Get returns the token for a session id.
func (t *SessionTable) Get(id string) (SessionToken, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.sessions[id]
	if !ok {
		return SessionToken{}, false
	}
	return *tok, true
}

// List returns every session, oldest first.
func (t *SessionTable) List() []SessionToken {
	t.mu.Lock()
	out := make([]SessionToken, 0, len(t.sessions))
	for _, tok := range t.sessions {
		out = append(out, *tok)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Len returns the number of sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Reset forgets every session.
func (t *SessionTable) Reset() {
	t.mu.Lock()
	t.sessions = make(map[string]*SessionToken)
	t.mu.Unlock()
}
