// Package detection holds the types shared by every stage of a pattern scan:
// targets, evidence, results and the options that shape a scan.
package detection

import "sort"

// Level identifies one stage of the detection cascade. Levels run in
// ascending order; cheaper levels come first.
type Level int

const (
	LevelFileExistence Level = iota + 1
	LevelPatternMatch
	LevelAstAnalysis
	LevelKnowledgeCrossReference
	LevelModelFallback
)

// AllLevels lists the cascade levels in execution order.
var AllLevels = []Level{
	LevelFileExistence,
	LevelPatternMatch,
	LevelAstAnalysis,
	LevelKnowledgeCrossReference,
	LevelModelFallback,
}

func (l Level) String() string {
	switch l {
	case LevelFileExistence:
		return "file_existence"
	case LevelPatternMatch:
		return "pattern_match"
	case LevelAstAnalysis:
		return "ast_analysis"
	case LevelKnowledgeCrossReference:
		return "knowledge_cross_reference"
	case LevelModelFallback:
		return "model_fallback"
	default:
		return "unknown"
	}
}

// EvidenceKind classifies how a piece of evidence was gathered.
type EvidenceKind string

const (
	EvidenceFileExistence      EvidenceKind = "file-existence"
	EvidenceManifestDependency EvidenceKind = "manifest-dependency"
	EvidenceKeyword            EvidenceKind = "keyword-match"
	EvidenceRegex              EvidenceKind = "regex-match"
	EvidenceASTQuery           EvidenceKind = "ast-query-match"
	EvidenceKnowledgeCrossRef  EvidenceKind = "knowledge-store-cross-reference"
	EvidenceModelInference     EvidenceKind = "model-inference"
)

// Evidence is one observation supporting a target.
type Evidence struct {
	Kind   EvidenceKind `json:"kind"`
	Match  string       `json:"match"`            // what matched: file path, keyword, import path
	Source string       `json:"source,omitempty"` // where it matched
	Weight float64      `json:"weight"`
}

// Target is a hypothesis under test: "does pattern P of category C exist here?"
type Target struct {
	ID       string
	Category string
	Pattern  string
	Expected []EvidenceKind
}

// DetectionResult is a confirmed detection. The JSON field names are a wire
// contract consumed by other services.
type DetectionResult struct {
	Name        string         `json:"name"`
	PatternType string         `json:"pattern_type"`
	Confidence  float64        `json:"confidence"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`

	Level     Level  `json:"-"`
	TargetID  string `json:"-"`
	Reasoning string `json:"-"`
}

// Metadata keys written by the engine.
const (
	MetaDetectionLevel = "detection_level"
	MetaEvidence       = "evidence"
	MetaReasoning      = "reasoning"
	MetaConfigFiles    = "config_files"
	MetaConfirmed      = "knowledge_confirmed"
	MetaStatus         = "status"
)

// StatusUnknown marks a placeholder result for a target the engine could not
// determine either way.
const StatusUnknown = "unknown"

// NewResult builds a result with an initialized metadata map.
func NewResult(name, patternType string, confidence float64, level Level) DetectionResult {
	return DetectionResult{
		Name:        name,
		PatternType: patternType,
		Confidence:  confidence,
		Level:       level,
		Metadata: map[string]any{
			MetaDetectionLevel: level.String(),
		},
	}
}

// WithDescription returns a copy of r carrying desc.
func (r DetectionResult) WithDescription(desc string) DetectionResult {
	if desc == "" {
		r.Description = nil
		return r
	}
	d := desc
	r.Description = &d
	return r
}

// Options configures a scan. Options are never mutated by the engine.
type Options struct {
	MinConfidence float64
	MaxResults    int // 0 means unlimited
	Categories    []string
	MaxLevel      Level // 0 means all levels
}

// DefaultOptions returns the options used when the caller gives none.
func DefaultOptions() Options {
	return Options{MinConfidence: 0.5}
}

// AllowsCategory reports whether category passes the options' category filter.
func (o Options) AllowsCategory(category string) bool {
	if len(o.Categories) == 0 {
		return true
	}
	for _, c := range o.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// AllowsLevel reports whether level runs under these options.
func (o Options) AllowsLevel(level Level) bool {
	return o.MaxLevel == 0 || level <= o.MaxLevel
}

// Finalize filters results below MinConfidence, orders the rest by
// descending confidence and truncates to MaxResults. Ties keep input order.
func Finalize(results []DetectionResult, opts Options) []DetectionResult {
	out := make([]DetectionResult, 0, len(results))
	for _, r := range results {
		if r.Confidence >= opts.MinConfidence {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}
