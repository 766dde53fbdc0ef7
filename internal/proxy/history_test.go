// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordFor(path string) Record {
	return Record{Request: RequestRecord{Method: "GET", Path: path}}
}

func paths(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Request.Path)
	}
	return out
}

func TestHistory_EvictsOldestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Append(recordFor(fmt.Sprintf("/%d", i)))
	}

	snap := h.Snapshot()
	assert.Equal(t, []string{"/3", "/4", "/5"}, paths(snap))
	assert.Equal(t, uint64(3), snap[0].ID)
	assert.Equal(t, uint64(5), snap[2].ID)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, 3, h.Cap())
}

func TestHistory_DefaultCapacity(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, DefaultHistorySize, h.Cap())

	for i := 0; i <= DefaultHistorySize; i++ {
		h.Append(recordFor(fmt.Sprintf("/%d", i)))
	}
	snap := h.Snapshot()
	require.Len(t, snap, DefaultHistorySize)
	assert.Equal(t, "/1", snap[0].Request.Path)
	assert.Equal(t, fmt.Sprintf("/%d", DefaultHistorySize), snap[len(snap)-1].Request.Path)
}

func TestHistory_ClearKeepsSequence(t *testing.T) {
	h := NewHistory(2)
	h.Append(recordFor("/a"))
	h.Append(recordFor("/b"))

	h.Clear()
	snap := h.Snapshot()
	assert.NotNil(t, snap)
	assert.Empty(t, snap)

	rec := h.Append(recordFor("/c"))
	assert.Equal(t, uint64(3), rec.ID)
	assert.Equal(t, []string{"/c"}, paths(h.Snapshot()))
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := NewHistory(2)
	h.Append(recordFor("/a"))

	snap := h.Snapshot()
	snap[0].Request.Path = "/mutated"
	assert.Equal(t, "/a", h.Snapshot()[0].Request.Path)
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	h := NewHistory(50)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				h.Append(recordFor(fmt.Sprintf("/%d/%d", g, i)))
				h.Snapshot()
			}
		}(g)
	}
	wg.Wait()

	snap := h.Snapshot()
	require.Len(t, snap, 50)
	for i := 1; i < len(snap); i++ {
		assert.Equal(t, snap[i-1].ID+1, snap[i].ID, "records stay in sequence order")
	}
	assert.Equal(t, uint64(200), snap[len(snap)-1].ID)
}
