// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRole_Valid(t *testing.T) {
	if !RoleUser.Valid() || !RoleAssistant.Valid() {
		t.Error("user and assistant should be valid roles")
	}
	if Role("system").Valid() {
		t.Error("system should not be a valid role")
	}
	if RoleUser.DisplayName() != "You" {
		t.Errorf("DisplayName() = %q, want %q", RoleUser.DisplayName(), "You")
	}
}

func TestMessage_JSONOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Message{Role: RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(data)
	if got != `{"role":"user","content":"hello"}` {
		t.Errorf("Marshal = %s", got)
	}
	if strings.Contains(got, "timestamp") || strings.Contains(got, "context") {
		t.Errorf("zero timestamp/context should be omitted: %s", got)
	}
}

func TestLastUserMessage(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
		{Role: RoleAssistant, Content: "reply 2"},
	}
	got, ok := LastUserMessage(history)
	if !ok || got != "second" {
		t.Errorf("LastUserMessage = (%q, %v), want (\"second\", true)", got, ok)
	}
	if _, ok := LastUserMessage(nil); ok {
		t.Error("LastUserMessage(nil) should report false")
	}
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"absent", "", ""},
		{"null", "null", ""},
		{"padded null", "  null\n", ""},
		{"object", "{ \"session_id\": \"abc\",\n \"message_counter\": 2 }", `{"session_id":"abc","message_counter":2}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeState(json.RawMessage(tc.in))
			if string(got) != tc.want {
				t.Errorf("NormalizeState(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestThreadInfo_HasSession(t *testing.T) {
	if (ThreadInfo{}).HasSession() {
		t.Error("empty thread should not have a session")
	}
	if !(ThreadInfo{SessionState: json.RawMessage(`{"session_id":"x"}`)}).HasSession() {
		t.Error("thread with state should have a session")
	}
}

func TestDefaultOverrides(t *testing.T) {
	o := DefaultOverrides()
	if o.RetrievalMode != RetrievalHybrid || o.TopK != 5 || o.Temperature != 0.7 {
		t.Errorf("DefaultOverrides() = %+v", o)
	}
	if !o.SemanticRanker || !o.SemanticCaptions || !o.SuggestFollowupQuestions {
		t.Error("boolean overrides should default to true")
	}
	if o.PromptTemplate != "" {
		t.Errorf("PromptTemplate = %q, want empty", o.PromptTemplate)
	}
	if ValidRetrievalMode("semantic") {
		t.Error("unknown retrieval mode accepted")
	}
}
