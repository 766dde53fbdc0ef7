// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Shared lipgloss styles for proxychat output.

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func init() {
	lipgloss.SetColorProfile(ColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for banners and section titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// LabelStyle is used for field labels in key/value output.
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(18)

	// UserStyle prefixes the user's turns in transcripts.
	UserStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("75")) // Blue

	// AssistantStyle prefixes the assistant's turns.
	AssistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82")) // Bright green

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// DimStyle is used for hints and secondary information.
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// =============================================================================
// HELPERS
// =============================================================================

// RenderSeparator returns a horizontal rule of the given width.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = DefaultTerminalWidth
	}
	return SeparatorStyle.Render(strings.Repeat("-", width))
}

// RenderField renders one "label  value" line.
func RenderField(label, value string) string {
	return LabelStyle.Render(label) + value
}
