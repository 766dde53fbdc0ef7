// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides thread persistence for proxychat.
//
// A thread is a catalog entry (id, title, timestamps, session state) plus an
// ordered message history. Two backends implement Store:
//
//   - FileStore: an index file (threads.json) and one history file per thread
//     under histories/, each written atomically
//   - BoltStore: a single bbolt database with a "threads" and a "histories"
//     bucket, every operation in one transaction
//
// Neither backend caches: every read goes to disk, so a save from any caller
// is visible to the next read.
//
// # Usage
//
//	store, err := storage.Open(storage.BackendFile, dir)
//	info, err := store.CreateThread("Demo")
//	err = store.SaveHistory(info.ID, messages)
//	history, err := store.GetHistory(info.ID)
//
// # Storage Location
//
// Threads are stored in ~/.proxychat/threads/ unless configured otherwise.
package storage
