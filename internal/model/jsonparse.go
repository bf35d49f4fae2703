package model

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

var (
	codeFenceRegex     = regexp.MustCompile("(?s)`{3}(?:json|javascript|js)?\\s*\\n?([\\s\\S]*?)\\n?`{3}")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRegex   = regexp.MustCompile(`(?m)^\s*//.*$`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// ParseResult is the outcome of Parse.
type ParseResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// ParseOptions configures Parse.
type ParseOptions struct {
	Context      string // included in error messages
	MaxInputSize int    // bytes, 0 = 1MB
}

// Parse decodes model output that should be JSON but may be wrapped in code
// fences, carry trailing commas or sit inside prose. Strategies run in order:
// direct decode, fence removal, cleanup, object extraction.
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var o ParseOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.MaxInputSize <= 0 {
		o.MaxInputSize = 1 << 20
	}
	if len(text) > o.MaxInputSize {
		return parseError[T]("input exceeds size limit", o.Context)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input", o.Context)
	}

	candidates := []string{trimmed}
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	last := candidates[len(candidates)-1]
	cleaned := cleanupJSON(last)
	candidates = append(candidates, cleaned)
	if obj := objectRegex.FindString(cleaned); obj != "" {
		candidates = append(candidates, obj)
	}

	var firstErr error
	for _, c := range candidates {
		var out T
		err := json.Unmarshal([]byte(c), &out)
		if err == nil {
			return ParseResult[T]{Success: true, Data: out}
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	slog.Debug("Model JSON parse failed", "error", firstErr, "textPreview", truncate(text, 100), "context", o.Context)
	return parseError[T]("all JSON parsing strategies failed", o.Context)
}

func cleanupJSON(text string) string {
	cleaned := trailingCommaRegex.ReplaceAllString(text, "$1")
	cleaned = lineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

func parseError[T any](msg, context string) ParseResult[T] {
	if context != "" {
		msg = context + ": " + msg
	}
	return ParseResult[T]{Error: msg}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
