// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// Retrieval modes accepted by the backend.
const (
	RetrievalHybrid  = "hybrid"
	RetrievalText    = "text"
	RetrievalVectors = "vectors"
)

// Overrides are request-time parameters that steer retrieval and generation.
type Overrides struct {
	RetrievalMode            string  `json:"retrieval_mode" toml:"retrieval_mode" yaml:"retrieval_mode"`
	TopK                     int     `json:"top_k" toml:"top_k" yaml:"top_k"`
	Temperature              float64 `json:"temperature" toml:"temperature" yaml:"temperature"`
	SemanticRanker           bool    `json:"semantic_ranker" toml:"semantic_ranker" yaml:"semantic_ranker"`
	SemanticCaptions         bool    `json:"semantic_captions" toml:"semantic_captions" yaml:"semantic_captions"`
	SuggestFollowupQuestions bool    `json:"suggest_followup_questions" toml:"suggest_followup_questions" yaml:"suggest_followup_questions"`
	PromptTemplate           string  `json:"prompt_template" toml:"prompt_template" yaml:"prompt_template"`
}

// DefaultOverrides returns the documented defaults.
func DefaultOverrides() Overrides {
	return Overrides{
		RetrievalMode:            RetrievalHybrid,
		TopK:                     5,
		Temperature:              0.7,
		SemanticRanker:           true,
		SemanticCaptions:         true,
		SuggestFollowupQuestions: true,
		PromptTemplate:           "",
	}
}

// ValidRetrievalMode reports whether mode is one of the known modes.
func ValidRetrievalMode(mode string) bool {
	switch mode {
	case RetrievalHybrid, RetrievalText, RetrievalVectors:
		return true
	}
	return false
}
