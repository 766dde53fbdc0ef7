// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session caches the backend session token of each thread.
//
// The Cache is read-through and write-through over a Persister (the thread
// store). The persisted copy is the source of truth; the map only saves a
// disk read per turn.
//
// # Usage
//
//	cache := session.NewCache(store, logger)
//	state, err := cache.Get(threadID)
//	// ... send the turn ...
//	err = cache.Put(threadID, resp.SessionState)
package session
