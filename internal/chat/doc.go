// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat ties the thread store, the session cache and the gateway
// client into the conversation flow the CLI drives: create a thread, send
// turns, retry, rename, delete and export.
package chat
