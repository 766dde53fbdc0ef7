// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/proxychat/internal/model"
)

// =============================================================================
// EXPORT FORMATS
// =============================================================================

// Format names an export format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts "json", "markdown" or "md".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown export format %q (json or markdown)", s)
	}
}

// FormatForPath picks the format from a file extension: .md and .markdown
// are Markdown, anything else JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatJSON
	}
}

// Export is the JSON export document.
type Export struct {
	Timestamp time.Time         `json:"timestamp"`
	Thread    *model.ThreadInfo `json:"thread"`
	History   []model.Message   `json:"history"`
}

// Export writes a thread and its history to w as indented JSON.
func (s *Service) Export(id string, w io.Writer) error {
	return s.ExportAs(id, FormatJSON, w)
}

// ExportAs writes a thread and its history to w in the given format.
func (s *Service) ExportAs(id string, format Format, w io.Writer) error {
	info, err := s.store.GetThread(id)
	if err != nil {
		return err
	}
	history, err := s.store.GetHistory(id)
	if err != nil {
		return err
	}
	doc := Export{Timestamp: time.Now().UTC(), Thread: info, History: history}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatMarkdown:
		data, err := renderMarkdown(doc)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// =============================================================================
// MARKDOWN
// =============================================================================

// frontmatter is the YAML header of a Markdown export.
type frontmatter struct {
	Title    string `yaml:"title"`
	ThreadID string `yaml:"thread_id"`
	Created  string `yaml:"created"`
	Updated  string `yaml:"updated"`
	Messages int    `yaml:"messages"`
	Session  bool   `yaml:"session"`
	Exported string `yaml:"exported"`
}

func renderMarkdown(doc Export) ([]byte, error) {
	info := doc.Thread
	header, err := yaml.Marshal(frontmatter{
		Title:    info.Title,
		ThreadID: info.ID,
		Created:  info.CreatedAt.UTC().Format(time.RFC3339),
		Updated:  info.UpdatedAt.UTC().Format(time.RFC3339),
		Messages: len(doc.History),
		Session:  info.HasSession(),
		Exported: doc.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(info.Title))

	if len(doc.History) == 0 {
		sb.WriteString("*No messages.*\n")
		return []byte(sb.String()), nil
	}

	for i, msg := range doc.History {
		if msg.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "### %s\n\n", msg.Role.DisplayName())
		} else {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", msg.Role.DisplayName(),
				msg.Timestamp.Local().Format("2006-01-02 15:04"))
		}
		sb.WriteString(strings.TrimSpace(msg.Content))
		sb.WriteString("\n\n")

		if msg.Context != nil && len(msg.Context.DataPoints) > 0 {
			sb.WriteString("**Sources**\n\n")
			for _, dp := range msg.Context.DataPoints {
				fmt.Fprintf(&sb, "- %s\n", strings.Join(strings.Fields(dp.Text), " "))
			}
			sb.WriteString("\n")
		}

		if i < len(doc.History)-1 {
			sb.WriteString("---\n\n")
		}
	}
	return []byte(sb.String()), nil
}

// escapeMarkdown keeps a title from turning into markup.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"*", `\*`,
		"_", `\_`,
		"`", "\\`",
		"#", `\#`,
		"[", `\[`,
		"]", `\]`,
	)
	return r.Replace(s)
}
