// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates and saves proxychat settings.
//
// TOML is the primary format; JSON and YAML files are accepted too.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (PROXYCHAT_*)
//   - ~/.proxychat/config.toml
//   - ~/.proxychat/config.json
//   - ~/.proxychat/config.yaml
//   - Built-in defaults
//
// Only the first file found is read. Keys missing from the file keep their
// defaults.
//
// # Usage
//
//	cfg, path, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.ClientTimeout()
//
// Settings are addressed by dotted keys matching the TOML layout, e.g.
// "client.proxy_url" or "overrides.top_k".
package config
