package cascade

import (
	"context"
	"math"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/registry"
	"github.com/steveyegge/patternscan/internal/scoring"
	"github.com/steveyegge/patternscan/internal/source"
)

// Thresholds are the aggregated confidences at which each level accepts a
// target. Model fallback has none: any positive verdict is reported in its
// own low band.
type Thresholds struct {
	FileExistence           float64 `yaml:"file_existence" mapstructure:"file_existence"`
	PatternMatch            float64 `yaml:"pattern_match" mapstructure:"pattern_match"`
	AstAnalysis             float64 `yaml:"ast_analysis" mapstructure:"ast_analysis"`
	KnowledgeCrossReference float64 `yaml:"knowledge_cross_reference" mapstructure:"knowledge_cross_reference"`
}

// DefaultThresholds returns the stock acceptance thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FileExistence:           0.4,
		PatternMatch:            0.3,
		AstAnalysis:             0.4,
		KnowledgeCrossReference: 0.5,
	}
}

// accept scores a target from its whole ledger and returns a result when the
// score reaches threshold.
func accept(scan *Scan, t detection.Target, def registry.PatternDefinition, level detection.Level, threshold float64, confirmed bool) *detection.DetectionResult {
	evidence := scan.Evidence(t.ID)
	if len(evidence) == 0 {
		return nil
	}
	conf := scoring.AggregateEvidence(evidence, def.Adjustment, confirmed)
	if conf < threshold {
		return nil
	}
	r := newResult(t, def, conf, level, evidence)
	if confirmed {
		r.Metadata[detection.MetaConfirmed] = true
	}
	return &r
}

func newResult(t detection.Target, def registry.PatternDefinition, conf float64, level detection.Level, evidence []detection.Evidence) detection.DetectionResult {
	r := detection.NewResult(def.Name, def.Category, conf, level).WithDescription(def.Description)
	r.TargetID = t.ID
	if len(evidence) > 0 {
		r.Metadata[detection.MetaEvidence] = describeEvidence(evidence)
	}
	if files := configFiles(evidence); len(files) > 0 {
		r.Metadata[detection.MetaConfigFiles] = files
	}
	return r
}

// FileExistenceLevel looks for marker files, directories and manifest
// dependencies.
type FileExistenceLevel struct {
	Weights     scoring.Weights
	Threshold   float64
	Concurrency int
}

func (l *FileExistenceLevel) Level() detection.Level { return detection.LevelFileExistence }

func (l *FileExistenceLevel) Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	return evaluate(ctx, l.Level(), targets, l.Concurrency, func(_ context.Context, t detection.Target) (*detection.DetectionResult, error) {
		def, ok := scan.Definition(t.ID)
		if !ok {
			return nil, nil
		}
		var found []detection.Evidence
		for _, s := range def.SignalsOf(registry.Signal.IsPresence) {
			weight := s.Weight
			if weight == 0 {
				weight = l.Weights.ConfigFileWeight(def.Category)
			}
			switch s.Kind {
			case registry.SignalFile:
				if paths := scan.Tree.Find(s.Value); len(paths) > 0 {
					found = append(found, detection.Evidence{Kind: detection.EvidenceFileExistence, Match: s.Value, Source: paths[0], Weight: weight})
				}
			case registry.SignalDependency:
				if manifests := scan.Tree.FindDependency(s.Value, source.Ecosystem(s.Ecosystem)); len(manifests) > 0 {
					found = append(found, detection.Evidence{Kind: detection.EvidenceManifestDependency, Match: s.Value, Source: manifests[0].Path, Weight: weight})
				}
			}
		}
		if len(found) == 0 {
			return nil, nil
		}
		scan.AddEvidence(t.ID, found...)
		return accept(scan, t, def, l.Level(), l.Threshold, false), nil
	}), nil
}

// MinMatchRatio is the fraction of a pattern's text signals that must be
// exceeded before pattern-match evidence counts in full.
const MinMatchRatio = 0.3

// PatternMatchLevel scans file content for keywords and regular expressions.
// Once more than MinMatchRatio of a pattern's text signals match, the
// pattern contributes the matched ratio, floored at its base weight. Below
// that it contributes base weight times ratio, which stays in the ledger for
// later levels.
type PatternMatchLevel struct {
	Weights     scoring.Weights
	Threshold   float64
	Concurrency int
}

func (l *PatternMatchLevel) Level() detection.Level { return detection.LevelPatternMatch }

func (l *PatternMatchLevel) Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	return evaluate(ctx, l.Level(), targets, l.Concurrency, func(_ context.Context, t detection.Target) (*detection.DetectionResult, error) {
		def, ok := scan.Definition(t.ID)
		if !ok {
			return nil, nil
		}
		signals := def.SignalsOf(registry.Signal.IsText)
		if len(signals) == 0 {
			return nil, nil
		}
		base := def.BaseWeight
		if base == 0 {
			base = l.Weights.KeywordWeight(def.Category)
		}

		var found []detection.Evidence
		for _, s := range signals {
			var files []string
			kind := detection.EvidenceKeyword
			if s.Kind == registry.SignalRegex {
				kind = detection.EvidenceRegex
				if re := s.Regexp(); re != nil {
					files = scan.Tree.SearchRegex(re)
				}
			} else {
				files = scan.Tree.SearchKeyword(s.Value)
			}
			if len(files) > 0 {
				found = append(found, detection.Evidence{Kind: kind, Match: s.Value, Source: files[0]})
			}
		}
		if len(found) == 0 {
			return nil, nil
		}
		per := matchContribution(len(found), len(signals), base) / float64(len(found))
		for i := range found {
			found[i].Weight = per
		}
		scan.AddEvidence(t.ID, found...)
		return accept(scan, t, def, l.Level(), l.Threshold, false), nil
	}), nil
}

// matchContribution is what matched of total text signals add to a
// pattern's confidence.
func matchContribution(matched, total int, base float64) float64 {
	ratio := float64(matched) / float64(total)
	if ratio > MinMatchRatio {
		return math.Max(ratio, base)
	}
	return base * ratio
}

// AstLevel checks parsed source for imports and call expressions, which text
// matching cannot tell apart from comments and strings.
type AstLevel struct {
	Weights     scoring.Weights
	Threshold   float64
	Concurrency int
}

func (l *AstLevel) Level() detection.Level { return detection.LevelAstAnalysis }

func (l *AstLevel) Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	facts := scan.Structure.Facts(ctx)
	if len(facts) == 0 {
		return nil, nil
	}
	return evaluate(ctx, l.Level(), targets, l.Concurrency, func(_ context.Context, t detection.Target) (*detection.DetectionResult, error) {
		def, ok := scan.Definition(t.ID)
		if !ok {
			return nil, nil
		}
		signals := def.SignalsOf(registry.Signal.IsStructural)
		if len(signals) == 0 {
			return nil, nil
		}
		per := l.Weights.Structural / float64(len(signals))

		var found []detection.Evidence
		for _, s := range signals {
			for _, f := range facts {
				hit := (s.Kind == registry.SignalImport && f.HasImport(s.Value)) ||
					(s.Kind == registry.SignalCall && f.HasCall(s.Value))
				if hit {
					found = append(found, detection.Evidence{Kind: detection.EvidenceASTQuery, Match: s.Value, Source: f.Path, Weight: per})
					break
				}
			}
		}
		if len(found) == 0 {
			return nil, nil
		}
		scan.AddEvidence(t.ID, found...)
		return accept(scan, t, def, l.Level(), l.Threshold, false), nil
	}), nil
}
