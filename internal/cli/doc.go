// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the proxychat command-line interface.
//
// Commands:
//
//	chat      interactive REPL over one thread at a time
//	send      one-shot turn, prints the reply
//	threads   list, create, show, delete and export threads
//	proxy     run the forwarding proxy
//	mock      run the mock backend
//	serve     run proxy and mock backend together
//	config    show, locate, initialize, edit and validate the config file
//
// Every command returns its error to Execute, which renders it and maps it
// to a process exit code.
package cli
