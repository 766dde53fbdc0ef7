// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies gateway errors for callers that render them.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindConfig     ErrorKind = "config"
	KindNetwork    ErrorKind = "network"
	KindHTTPStatus ErrorKind = "http_status"
	KindDecode     ErrorKind = "decode"
	KindBackend    ErrorKind = "backend"
	KindUnknown    ErrorKind = "unknown"
)

// KindOf returns the kind of err, KindNone for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		cfgErr     *ConfigError
		netErr     *NetworkError
		statusErr  *HTTPStatusError
		decodeErr  *DecodeError
		backendErr *BackendError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfig
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &backendErr):
		return KindBackend
	default:
		return KindUnknown
	}
}

// =============================================================================
// CONFIG ERROR
// =============================================================================

// ConfigError reports a missing or invalid endpoint or proxy setting. The
// user must fix the setting before retrying.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// =============================================================================
// NETWORK ERROR
// =============================================================================

// NetworkCause narrows a NetworkError.
type NetworkCause string

const (
	CauseTimeout NetworkCause = "timeout"
	CauseRefused NetworkCause = "refused"
	CauseProxy   NetworkCause = "proxy"
	CauseTLS     NetworkCause = "tls"
	CauseOther   NetworkCause = "other"
)

// NetworkError reports a transport failure. These are transient; the user
// may retry.
type NetworkError struct {
	Cause NetworkCause
	URL   string
	Err   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s) calling %s: %v", e.Cause, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *NetworkError) Timeout() bool {
	return e.Cause == CauseTimeout
}

func classifyNetworkError(err error) NetworkCause {
	var (
		netErr    net.Error
		opErr     *net.OpError
		recordErr tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		certErr   x509.CertificateInvalidError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return CauseTimeout
	case errors.As(err, &opErr) && opErr.Op == "proxyconnect":
		return CauseProxy
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &certErr):
		return CauseTLS
	case errors.Is(err, syscall.ECONNREFUSED):
		return CauseRefused
	default:
		return CauseOther
	}
}

// =============================================================================
// RESPONSE ERRORS
// =============================================================================

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	// Message is extracted from the body when the backend sent one.
	Message string
	Body    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
}

// DecodeError reports a body that is not valid JSON or not a chat response.
// The body is kept verbatim for display.
type DecodeError struct {
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed backend response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// BackendError reports a response that carried an "error" field.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend reported an error"
	}
	return "backend reported an error: " + e.Message
}
