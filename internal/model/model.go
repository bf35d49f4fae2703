// Package model asks a language model about targets the cheaper evidence could
// not settle.
package model

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// DefaultModel is used when neither configuration nor environment names one.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultTimeout bounds one batched inference call when the caller sets none.
// A single answer covers every unresolved target, so it is longer than the
// knowledge store's per-call bound.
const DefaultTimeout = 30 * time.Second

// ModelFromEnv returns PATTERNSCAN_MODEL when set, otherwise fallback.
func ModelFromEnv(fallback string) string {
	if m := os.Getenv("PATTERNSCAN_MODEL"); m != "" {
		return m
	}
	if fallback != "" {
		return fallback
	}
	return DefaultModel
}

// Request is one inference call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the model's raw answer.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Inferer runs inference. Implementations must honour ctx cancellation.
type Inferer interface {
	Infer(ctx context.Context, req Request) (*Response, error)
}

// TargetQuestion is one unresolved target handed to the model.
type TargetQuestion struct {
	ID       string
	Category string
	Pattern  string
	Evidence []string // human-readable evidence gathered so far
}

// RepoContext summarizes the repository for the model.
type RepoContext struct {
	TopLevel  []string
	Languages map[string]int
	Manifests []string
}

// Answer is the model's verdict on one target.
type Answer struct {
	ID         string  `json:"id"`
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type answerSet struct {
	Answers []Answer `json:"answers"`
}

// SystemPrompt frames every detection question.
const SystemPrompt = "You are a software architecture analyst. You judge whether technologies and architectural patterns are present in a repository from the evidence given. Answer only with JSON."

// BuildPrompt renders one batched question covering every target.
func BuildPrompt(repo RepoContext, targets []TargetQuestion) string {
	var b strings.Builder
	b.WriteString("Repository overview:\n")
	if len(repo.TopLevel) > 0 {
		fmt.Fprintf(&b, "- top-level entries: %s\n", strings.Join(repo.TopLevel, ", "))
	}
	if len(repo.Languages) > 0 {
		langs := make([]string, 0, len(repo.Languages))
		for lang, n := range repo.Languages {
			langs = append(langs, fmt.Sprintf("%s (%d files)", lang, n))
		}
		sort.Strings(langs)
		fmt.Fprintf(&b, "- languages: %s\n", strings.Join(langs, ", "))
	}
	if len(repo.Manifests) > 0 {
		fmt.Fprintf(&b, "- manifests: %s\n", strings.Join(repo.Manifests, ", "))
	}

	b.WriteString("\nFor each candidate below, decide whether it is present.\n\n")
	for _, t := range targets {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", t.ID, t.Pattern, t.Category)
		if len(t.Evidence) == 0 {
			b.WriteString("  evidence: none\n")
		}
		for _, e := range t.Evidence {
			fmt.Fprintf(&b, "  evidence: %s\n", e)
		}
	}

	b.WriteString(`
Respond with JSON only:
{"answers": [{"id": "<candidate id>", "detected": true|false, "confidence": 0.0-1.0, "reasoning": "<one sentence>"}]}
`)
	return b.String()
}

// ParseAnswers extracts the answers from a model reply, keyed by target ID.
func ParseAnswers(text string) (map[string]Answer, error) {
	res := Parse[answerSet](text, ParseOptions{Context: "model answers"})
	if !res.Success {
		return nil, fmt.Errorf("parse model answers: %s", res.Error)
	}
	out := make(map[string]Answer, len(res.Data.Answers))
	for _, a := range res.Data.Answers {
		if a.ID != "" {
			out[a.ID] = a
		}
	}
	return out, nil
}
