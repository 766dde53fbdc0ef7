// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// TruncateRunes truncates a string to a maximum number of runes.
// If the string is truncated, "..." is appended.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// FitWidth truncates or right-pads s so it occupies exactly width terminal
// columns. Wide (CJK) characters count as two columns.
func FitWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) > width {
		s = runewidth.Truncate(s, width, "...")
	}
	return runewidth.FillRight(s, width)
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<script.*?>.*?</script>`)
	htmlTagRe     = regexp.MustCompile(`(?s)<.*?>`)
)

// SanitizeInput removes script blocks and HTML tags from user input and trims
// surrounding whitespace.
func SanitizeInput(text string) string {
	if text == "" {
		return text
	}
	text = scriptBlockRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
