package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/model"
	"github.com/steveyegge/patternscan/internal/scoring"
)

// FullCorroboration is the number of store confirmations at which
// cross-reference evidence reaches its full weight.
const FullCorroboration = 5

// KnowledgeLevel corroborates partially evidenced targets with detections
// other instances published to the knowledge store. Targets with no evidence
// at all are not queried: the store corroborates, it does not discover.
type KnowledgeLevel struct {
	Client      knowledge.Client
	Weights     scoring.Weights
	Threshold   float64
	Timeout     time.Duration
	Concurrency int
}

func (l *KnowledgeLevel) Level() detection.Level { return detection.LevelKnowledgeCrossReference }

func (l *KnowledgeLevel) Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	if l.Client == nil {
		return nil, nil
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = knowledge.DefaultTimeout
	}

	var candidates []detection.Target
	for _, t := range targets {
		if len(scan.Evidence(t.ID)) > 0 {
			candidates = append(candidates, t)
		}
	}

	return evaluate(ctx, l.Level(), candidates, l.Concurrency, func(ctx context.Context, t detection.Target) (*detection.DetectionResult, error) {
		def, ok := scan.Definition(t.ID)
		if !ok {
			return nil, nil
		}
		resp, err := l.Client.Query(ctx, knowledge.TopicCrossRefQuery, map[string]any{
			"pattern_type": def.Category,
			"name":         def.Name,
		}, timeout)
		if err != nil {
			return nil, detection.Wrap(detection.ErrKnowledgeStoreUnavailable, "cross-reference "+t.ID, err)
		}
		if resp.IsDegraded() {
			return nil, nil
		}
		var xref knowledge.CrossReference
		if ok, err := resp.DecodeData(&xref); err != nil || !ok {
			return nil, err
		}
		if xref.Confirmations <= 0 {
			return nil, nil
		}

		ratio := math.Min(float64(xref.Confirmations)/FullCorroboration, 1)
		scan.AddEvidence(t.ID, detection.Evidence{
			Kind:   detection.EvidenceKnowledgeCrossRef,
			Match:  fmt.Sprintf("%d confirmations from %d instances", xref.Confirmations, xref.Instances),
			Weight: l.Weights.KnowledgeCorroboration * ratio,
		})
		return accept(scan, t, def, l.Level(), l.Threshold, true), nil
	}), nil
}

// Model fallback confidence band.
const (
	ModelMinConfidence = 0.2
	ModelMaxConfidence = 0.4
)

// ModelLevel asks a language model about every target the cheaper levels
// left unresolved, in a single batched call bounded by Timeout
// (model.DefaultTimeout when unset). With no Inferer it is disabled.
type ModelLevel struct {
	Inferer   model.Inferer
	Timeout   time.Duration
	MaxTokens int
}

func (l *ModelLevel) Level() detection.Level { return detection.LevelModelFallback }

func (l *ModelLevel) Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	if l.Inferer == nil || len(targets) == 0 {
		return nil, nil
	}

	questions := make([]model.TargetQuestion, 0, len(targets))
	for _, t := range targets {
		questions = append(questions, model.TargetQuestion{
			ID:       t.ID,
			Category: t.Category,
			Pattern:  t.Pattern,
			Evidence: describeEvidence(scan.Evidence(t.ID)),
		})
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := l.Inferer.Infer(callCtx, model.Request{
		System:    model.SystemPrompt,
		Prompt:    model.BuildPrompt(repoContext(scan), questions),
		MaxTokens: l.MaxTokens,
	})
	var answers map[string]model.Answer
	if err == nil {
		answers, err = model.ParseAnswers(resp.Text)
	}
	if err != nil {
		err = detection.Wrap(detection.ErrModelInference, "model fallback", err)
		slog.Warn("Model fallback failed, reporting targets as unknown", "targets", len(targets), "error", err)
		return placeholders(targets, err), nil
	}

	var out []detection.DetectionResult
	for _, t := range targets {
		a, ok := answers[t.ID]
		if !ok || !a.Detected {
			continue
		}
		def, ok := scan.Definition(t.ID)
		if !ok {
			continue
		}
		conf := scoring.Clamp(a.Confidence, ModelMinConfidence, ModelMaxConfidence)
		conf = scoring.Clamp(conf+def.Adjustment, 0, scoring.MaxBaseConfidence)
		scan.AddEvidence(t.ID, detection.Evidence{Kind: detection.EvidenceModelInference, Match: t.Pattern, Weight: conf})

		r := newResult(t, def, conf, l.Level(), scan.Evidence(t.ID))
		r.Reasoning = a.Reasoning
		r.Metadata[detection.MetaReasoning] = a.Reasoning
		out = append(out, r)
	}
	return out, nil
}

// placeholders reports every target as undetermined so callers can tell
// "not detected" apart from "could not determine".
func placeholders(targets []detection.Target, cause error) []detection.DetectionResult {
	out := make([]detection.DetectionResult, 0, len(targets))
	for _, t := range targets {
		r := detection.NewResult(t.Pattern, t.Category, ModelMinConfidence, detection.LevelModelFallback).
			WithDescription(fmt.Sprintf("Could not determine whether %s is present", t.Pattern))
		r.TargetID = t.ID
		r.Reasoning = cause.Error()
		r.Metadata[detection.MetaStatus] = detection.StatusUnknown
		r.Metadata[detection.MetaReasoning] = cause.Error()
		out = append(out, r)
	}
	return out
}

func repoContext(scan *Scan) model.RepoContext {
	var rc model.RepoContext
	for _, e := range scan.Tree.Children("") {
		name := e.Name()
		if e.IsDir {
			name += "/"
		}
		rc.TopLevel = append(rc.TopLevel, name)
	}
	rc.Languages = scan.Tree.LanguageCounts()
	for _, m := range scan.Tree.Manifests() {
		rc.Manifests = append(rc.Manifests, m.Path)
	}
	return rc
}
