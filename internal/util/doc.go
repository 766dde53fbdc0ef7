// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across proxychat.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - FitWidth: pads or truncates to a terminal column width
//   - SanitizeInput: strips script blocks and HTML tags from user input
//
// URL Handling:
//   - ParseEndpoint: strict parsing of the chat endpoint
//   - NormalizeProxyURL: lenient parsing of proxy URLs (scheme defaults to http)
//
// # Usage
//
//	endpoint, err := util.ParseEndpoint("http://localhost:8000/chat")
//	proxy, err := util.NormalizeProxyURL("127.0.0.1:3000") // http://127.0.0.1:3000
//	err = util.AtomicWriteFile(path, data, 0644)
package util
