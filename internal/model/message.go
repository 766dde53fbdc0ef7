// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// Valid reports whether r is a role the backend understands.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single turn in a thread. Messages are append-only; once stored
// they are never edited.
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Context *Context `json:"context,omitempty"`

	// Timestamp is local bookkeeping and is never sent to the backend.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Context is the retrieval context attached to an assistant message.
type Context struct {
	DataPoints  []DataPoint `json:"data_points"`
	ChatHistory string      `json:"chat_history,omitempty"`
}

// DataPoint is one retrieved source snippet.
type DataPoint struct {
	Text string `json:"text"`
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantMessage creates an assistant message stamped with the current time.
func NewAssistantMessage(content string, ctx *Context) Message {
	return Message{Role: RoleAssistant, Content: content, Context: ctx, Timestamp: time.Now()}
}

// LastUserMessage returns the content of the most recent user message.
func LastUserMessage(history []Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content, true
		}
	}
	return "", false
}
