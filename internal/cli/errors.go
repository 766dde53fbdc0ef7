// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error rendering and exit codes for proxychat commands.
//
// Commands always return errors; Execute decides how they are shown and
// which exit code the process ends with.

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/proxychat/internal/chat"
	"github.com/jeranaias/proxychat/internal/config"
	"github.com/jeranaias/proxychat/internal/gateway"
	"github.com/jeranaias/proxychat/internal/storage"
	"github.com/spf13/cobra"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitNetworkError = 5
	ExitNotFound     = 7
	ExitTimeoutError = 8
	// ExitBackendError covers HTTP status, decode and backend-reported errors.
	ExitBackendError = 9
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports bad arguments or flags.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// CommandError gives an error the command and action it came from.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandErr(command, action string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Command: command, Action: action, Err: err}
}

// exactArgs is cobra.ExactArgs reporting a UsageError.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &UsageError{Msg: fmt.Sprintf("%s expects %d argument(s), got %d (see %s --help)",
				cmd.CommandPath(), n, len(args), cmd.CommandPath())}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return &UsageError{Msg: fmt.Sprintf("%s expects at least %d argument(s) (see %s --help)",
				cmd.CommandPath(), n, cmd.CommandPath())}
		}
		return nil
	}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var verrs config.ValidateErrors
	var netErr *gateway.NetworkError
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &verrs):
		return ExitConfigError
	case errors.Is(err, storage.ErrThreadNotFound):
		return ExitNotFound
	}

	switch gateway.KindOf(err) {
	case gateway.KindConfig:
		return ExitConfigError
	case gateway.KindNetwork:
		if errors.As(err, &netErr) && netErr.Cause == gateway.CauseTimeout {
			return ExitTimeoutError
		}
		return ExitNetworkError
	case gateway.KindHTTPStatus, gateway.KindDecode, gateway.KindBackend:
		return ExitBackendError
	}
	return ExitGeneralError
}

// =============================================================================
// RENDERING
// =============================================================================

// describeError returns a one-line description of err and, when one
// applies, a hint telling the user what to do next.
func describeError(err error) (string, string) {
	var (
		cfgErr    *gateway.ConfigError
		netErr    *gateway.NetworkError
		statusErr *gateway.HTTPStatusError
		decodeErr *gateway.DecodeError
		backend   *gateway.BackendError
		verrs     config.ValidateErrors
	)

	switch {
	case errors.As(err, &verrs):
		lines := make([]string, 0, len(verrs))
		for _, v := range verrs {
			lines = append(lines, "  - "+v.Error())
		}
		return "Invalid configuration:\n" + strings.Join(lines, "\n"),
			"Edit the file or run: proxychat config set KEY VALUE"

	case errors.As(err, &cfgErr):
		return "Configuration error: " + cfgErr.Error(),
			"Fix it with: proxychat config set " + configKeyFor(cfgErr.Field) + " VALUE"

	case errors.As(err, &netErr):
		switch netErr.Cause {
		case gateway.CauseTimeout:
			return "The backend did not answer in time.", "Use /retry to send the message again."
		case gateway.CauseRefused:
			return "Could not connect to the backend.", "Is it running? Try: proxychat mock"
		case gateway.CauseProxy:
			return "The configured proxy is unreachable.", "Check client.proxy_url, or start it with: proxychat proxy"
		case gateway.CauseTLS:
			return fmt.Sprintf("TLS handshake with the backend failed: %v", netErr.Err), ""
		default:
			return fmt.Sprintf("Network error: %v", netErr.Err), ""
		}

	case errors.As(err, &statusErr):
		msg := fmt.Sprintf("The backend returned HTTP %d.", statusErr.StatusCode)
		if statusErr.Message != "" {
			msg = fmt.Sprintf("The backend returned HTTP %d: %s", statusErr.StatusCode, statusErr.Message)
		}
		return msg, ""

	case errors.As(err, &decodeErr):
		return "The backend sent a response that could not be read.", truncateBody(decodeErr.Body)

	case errors.As(err, &backend):
		if backend.Message == "" {
			return "The backend reported an error.", ""
		}
		return "The backend reported an error: " + backend.Message, ""

	case errors.Is(err, storage.ErrThreadNotFound):
		return "No such thread.", "List threads with: proxychat threads list"

	case errors.Is(err, chat.ErrEmptyMessage):
		return "Nothing to send.", ""

	case errors.Is(err, chat.ErrNothingToRetry):
		return "Nothing to retry: the last message already has a reply.", ""
	}
	return err.Error(), ""
}

// renderError formats err for display with its hint on a second line.
func renderError(err error) string {
	msg, hint := describeError(err)
	out := ErrorStyle.Render("Error:") + " " + msg
	if hint != "" {
		out += "\n" + DimStyle.Render("  "+hint)
	}
	return out
}

func configKeyFor(field string) string {
	switch field {
	case "proxy", "proxy_url":
		return "client.proxy_url"
	default:
		return "client.api_endpoint"
	}
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	const max = 200
	if len(body) > max {
		body = body[:max] + "..."
	}
	return "Body: " + body
}
