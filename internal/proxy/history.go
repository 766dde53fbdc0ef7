// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultHistorySize is the number of exchanges kept when none is configured.
const DefaultHistorySize = 100

// ============================================================================
// RECORDS
// ============================================================================

// Record is one relayed exchange.
type Record struct {
	ID         uint64          `json:"id"`
	Request    RequestRecord   `json:"request"`
	Response   *ResponseRecord `json:"response"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

// RequestRecord is the inbound half of an exchange, as received.
type RequestRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query"`
	Headers   map[string]string `json:"headers"`
	// Body is the JSON body, a JSON string for non-JSON bodies, or null.
	Body json.RawMessage `json:"body"`
}

// ResponseRecord is what the client was sent back.
type ResponseRecord struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

// ============================================================================
// HISTORY
// ============================================================================

// History is a fixed-capacity ring of records. When full, appending evicts
// the oldest record. Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	records []Record
	head    int // index of the oldest record
	count   int
	nextID  uint64
}

// NewHistory creates a history holding at most capacity records.
// A non-positive capacity uses DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{records: make([]Record, capacity)}
}

// Append stores rec, assigning it the next sequence id, and returns the
// stored copy.
func (h *History) Append(rec Record) Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	rec.ID = h.nextID

	capacity := len(h.records)
	if h.count < capacity {
		h.records[(h.head+h.count)%capacity] = rec
		h.count++
	} else {
		h.records[h.head] = rec
		h.head = (h.head + 1) % capacity
	}
	return rec
}

// Snapshot returns the records oldest first. The result is never nil.
func (h *History) Snapshot() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Record, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.records[(h.head+i)%len(h.records)])
	}
	return out
}

// Clear drops every record. Sequence ids keep increasing across clears.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.records {
		h.records[i] = Record{}
	}
	h.head = 0
	h.count = 0
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap returns the capacity.
func (h *History) Cap() int {
	return len(h.records)
}
