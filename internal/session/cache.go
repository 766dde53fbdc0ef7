// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/storage"
)

// Persister is the durable home of session state. storage.Store satisfies it.
type Persister interface {
	GetSessionState(threadID string) (json.RawMessage, error)
	UpdateSessionState(threadID string, state json.RawMessage) error
}

// =============================================================================
// SESSION CACHE
// =============================================================================

// Cache maps thread ids to their last known session state.
type Cache struct {
	mu        sync.RWMutex
	states    map[string]json.RawMessage
	persister Persister
	logger    *logging.Logger
}

// NewCache creates a cache over p. A nil persister keeps state in memory only.
func NewCache(p Persister, logger *logging.Logger) *Cache {
	return &Cache{
		states:    make(map[string]json.RawMessage),
		persister: p,
		logger:    logging.OrNop(logger).Named("session"),
	}
}

// Get returns the session state for threadID, reading through to the
// persister on a miss. Absent state is returned as nil.
func (c *Cache) Get(threadID string) (json.RawMessage, error) {
	c.mu.RLock()
	state, ok := c.states[threadID]
	c.mu.RUnlock()
	if ok {
		return clone(state), nil
	}
	if c.persister == nil {
		return nil, nil
	}

	state, err := c.persister.GetSessionState(threadID)
	if err != nil {
		return nil, err
	}
	state = model.NormalizeState(state)
	if state != nil {
		c.mu.Lock()
		// A concurrent Put wins over what we just read.
		if _, exists := c.states[threadID]; !exists {
			c.states[threadID] = state
		}
		c.mu.Unlock()
	}
	return clone(state), nil
}

// Put records the session state for threadID and writes it through to the
// persister. Absent state clears the entry. The in-memory copy is updated
// even when persisting fails, so the running process keeps continuity; the
// persistence error is still returned.
func (c *Cache) Put(threadID string, state json.RawMessage) error {
	state = model.NormalizeState(state)

	c.mu.Lock()
	if state == nil {
		// Remember the explicit clear so a stale persisted copy is not read back.
		c.states[threadID] = nil
	} else {
		c.states[threadID] = state
	}
	c.mu.Unlock()

	if c.persister == nil {
		return nil
	}
	err := c.persister.UpdateSessionState(threadID, state)
	if errors.Is(err, storage.ErrThreadNotFound) {
		c.logger.Debug("session.memory_only", "thread_id", threadID)
		return nil
	}
	if err != nil {
		c.logger.Error("session.persist_failed", "thread_id", threadID, "error", err)
		return err
	}
	return nil
}

// Forget drops the cached entry for threadID without touching the persister.
func (c *Cache) Forget(threadID string) {
	c.mu.Lock()
	delete(c.states, threadID)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.states = make(map[string]json.RawMessage)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

func clone(state json.RawMessage) json.RawMessage {
	if state == nil {
		return nil
	}
	out := make(json.RawMessage, len(state))
	copy(out, state)
	return out
}
