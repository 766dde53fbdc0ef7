// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/util"
)

// maxSourceRunes bounds each retrieved snippet shown under a reply.
const maxSourceRunes = 120

// printMessage writes one turn: role label, content and, for assistant
// replies, the retrieved sources.
func printMessage(w io.Writer, msg model.Message) {
	label := UserStyle.Render(msg.Role.DisplayName() + ":")
	if msg.Role == model.RoleAssistant {
		label = AssistantStyle.Render(msg.Role.DisplayName() + ":")
	}
	fmt.Fprintf(w, "%s %s\n", label, msg.Content)

	if msg.Context == nil || len(msg.Context.DataPoints) == 0 {
		return
	}
	fmt.Fprintln(w, DimStyle.Render("  Sources:"))
	for i, dp := range msg.Context.DataPoints {
		text := strings.Join(strings.Fields(dp.Text), " ")
		fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("  [%d] %s", i+1, util.TruncateRunes(text, maxSourceRunes))))
	}
}

// printTranscript writes a whole history, or a hint when it is empty.
func printTranscript(w io.Writer, history []model.Message) {
	if len(history) == 0 {
		fmt.Fprintln(w, DimStyle.Render("(no messages yet)"))
		return
	}
	for _, msg := range history {
		printMessage(w, msg)
	}
}

// printThreadHeader writes the title block of a thread.
func printThreadHeader(w io.Writer, info *model.ThreadInfo) {
	fmt.Fprintln(w, TitleStyle.Render(info.Title))
	fmt.Fprintln(w, RenderField("ID", info.ID))
	fmt.Fprintln(w, RenderField("Created", info.CreatedAt.Local().Format("2006-01-02 15:04:05")))
	fmt.Fprintln(w, RenderField("Updated", info.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
	session := "none"
	if info.HasSession() {
		session = "active"
	}
	fmt.Fprintln(w, RenderField("Session", session))
}
