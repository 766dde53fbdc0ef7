// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrEmptyURL is returned when a required URL is blank.
	ErrEmptyURL = errors.New("url is empty")

	// ErrMissingScheme is returned when a URL has no scheme.
	ErrMissingScheme = errors.New("url has no scheme")

	// ErrMissingHost is returned when a URL has no host.
	ErrMissingHost = errors.New("url has no host")
)

// ParseEndpoint parses a chat endpoint. The URL must be absolute with an
// http or https scheme and a host; nothing is defaulted.
func ParseEndpoint(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		return nil, ErrMissingScheme
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}

// NormalizeProxyURL parses a proxy URL. An empty string means no proxy and
// yields (nil, nil). A bare host:port gets the http:// scheme.
func NormalizeProxyURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}
