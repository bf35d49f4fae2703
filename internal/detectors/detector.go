// Package detectors composes the cascade into the category detectors callers
// use: service architecture, infrastructure, frameworks, technologies and a
// generic detector over every registered pattern.
package detectors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/steveyegge/patternscan/internal/cascade"
	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/learning"
	"github.com/steveyegge/patternscan/internal/registry"
	"github.com/steveyegge/patternscan/internal/source"
)

// Pattern types handled by the built-in detectors.
const (
	TypeServiceArchitecture = "service_architecture"
	TypeInfrastructure      = "infrastructure"
	TypeFramework           = "framework"
	TypeTechnology          = "technology"
	TypeLayered             = "layered"
)

var errLearningDisabled = errors.New("learning channel disabled")

// Detector finds one family of patterns in a repository.
type Detector interface {
	// Detect scans the repository at root. Only a missing or unreadable root
	// is an error; degraded components yield fewer results.
	Detect(ctx context.Context, root string, opts detection.Options) ([]detection.DetectionResult, error)
	// LearnPattern reports result to the knowledge store outside the
	// automatic channel.
	LearnPattern(ctx context.Context, result detection.DetectionResult) error
	PatternType() string
	Description() string
}

// Deps are the collaborators shared by detectors.
type Deps struct {
	Fs       afero.Fs // nil means the OS filesystem
	Source   source.Options
	Registry *registry.Registry
	Cascade  *cascade.Orchestrator
	Learning *learning.Channel // nil disables reporting
	// ReportThreshold is the confidence at which results are reported to the
	// learning channel automatically. Zero disables auto-reporting.
	ReportThreshold float64
}

func (d Deps) withDefaults() Deps {
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Registry == nil {
		d.Registry = registry.NewWithBuiltins()
	}
	if d.Cascade == nil {
		d.Cascade = cascade.New(cascade.Config{})
	}
	return d
}

// base carries what every detector does the same way.
type base struct {
	deps Deps
}

func newBase(deps Deps) base {
	return base{deps: deps.withDefaults()}
}

func (b *base) open(root string) (*source.Tree, error) {
	return source.Open(b.deps.Fs, root, b.deps.Source)
}

// run evaluates every registered pattern of the given categories.
func (b *base) run(ctx context.Context, tree *source.Tree, categories []string, opts detection.Options) []detection.DetectionResult {
	var defs []registry.PatternDefinition
	for _, c := range categories {
		defs = append(defs, b.deps.Registry.AllForCategory(c)...)
	}
	scan := cascade.NewScan(tree, b.deps.Registry, nil)
	results, stats := b.deps.Cascade.Run(ctx, scan, cascade.TargetsFor(defs), opts)

	attrs := []any{"root", tree.Root(), "targets", len(defs), "results", len(results), "duration", stats.Duration}
	if stats.Stopped != "" {
		attrs = append(attrs, "stopped", stats.Stopped)
	}
	slog.Debug("Cascade run complete", attrs...)
	return results
}

// report queues confident, determined results on the learning channel.
func (b *base) report(results []detection.DetectionResult) {
	if b.deps.Learning == nil || b.deps.ReportThreshold <= 0 {
		return
	}
	for _, r := range results {
		if r.Confidence < b.deps.ReportThreshold || r.Metadata[detection.MetaStatus] == detection.StatusUnknown {
			continue
		}
		b.deps.Learning.Report(r)
	}
}

func (b *base) learn(ctx context.Context, result detection.DetectionResult) error {
	if b.deps.Learning == nil {
		return detection.Wrap(detection.ErrKnowledgeStoreUnavailable, "learn pattern", errLearningDisabled)
	}
	if err := b.deps.Learning.Learn(ctx, result); err != nil {
		slog.Warn("Failed to send learning data", "pattern", result.Name, "pattern_type", result.PatternType, "error", err)
		return err
	}
	return nil
}
