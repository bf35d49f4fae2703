package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/patternscan/internal/detection"
)

// LevelDetector is one stage of the cascade. Detect receives only targets no
// earlier level resolved and returns accepted results, each carrying the ID
// of the target it resolves.
type LevelDetector interface {
	Level() detection.Level
	Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error)
}

// LevelStats describes one level's part in a run.
type LevelStats struct {
	Level     detection.Level
	Evaluated int
	Resolved  int
	Duration  time.Duration
	Skipped   bool
	Err       string
}

// RunStats describes a run.
type RunStats struct {
	Levels   []LevelStats
	Duration time.Duration
	Stopped  string // why the cascade ended before the last level, if it did
}

// Orchestrator runs levels in ascending order over the unresolved targets.
type Orchestrator struct {
	levels []LevelDetector
}

// NewOrchestrator creates an orchestrator. Levels are ordered by Level().
func NewOrchestrator(levels ...LevelDetector) *Orchestrator {
	ordered := append([]LevelDetector(nil), levels...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Level() < ordered[j].Level() })
	return &Orchestrator{levels: ordered}
}

// Run evaluates targets and returns the filtered, ordered and truncated
// results. Level failures are logged and count as "no results"; a passed
// deadline stops the cascade with what it has.
func (o *Orchestrator) Run(ctx context.Context, scan *Scan, targets []detection.Target, opts detection.Options) ([]detection.DetectionResult, RunStats) {
	start := time.Now()
	var stats RunStats

	remaining := make([]detection.Target, 0, len(targets))
	for _, t := range targets {
		if opts.AllowsCategory(t.Category) {
			remaining = append(remaining, t)
		}
	}

	var results []detection.DetectionResult
	for _, level := range o.levels {
		ls := LevelStats{Level: level.Level()}
		if len(remaining) == 0 {
			stats.Stopped = "all targets resolved"
			break
		}
		if !opts.AllowsLevel(level.Level()) {
			ls.Skipped = true
			stats.Levels = append(stats.Levels, ls)
			continue
		}
		if err := ctx.Err(); err != nil {
			stats.Stopped = fmt.Sprintf("deadline before %s: %v", level.Level(), err)
			slog.Warn("Detection deadline reached, returning partial results", "next_level", level.Level().String(), "unresolved", len(remaining))
			break
		}

		ls.Evaluated = len(remaining)
		levelStart := time.Now()
		out, err := runLevel(ctx, level, scan, remaining)
		ls.Duration = time.Since(levelStart)
		if err != nil {
			ls.Err = err.Error()
			slog.Warn("Detection level failed, continuing", "level", level.Level().String(), "error", err)
			out = nil
		}

		pending := make(map[string]bool, len(remaining))
		for _, t := range remaining {
			pending[t.ID] = true
		}
		for _, r := range out {
			if !pending[r.TargetID] {
				continue
			}
			pending[r.TargetID] = false
			results = append(results, r)
			ls.Resolved++
		}
		next := remaining[:0:0]
		for _, t := range remaining {
			if pending[t.ID] {
				next = append(next, t)
			}
		}
		remaining = next

		slog.Debug("Detection level complete", "level", level.Level().String(), "evaluated", ls.Evaluated, "resolved", ls.Resolved, "duration", ls.Duration)
		stats.Levels = append(stats.Levels, ls)
	}

	stats.Duration = time.Since(start)
	return detection.Finalize(results, opts), stats
}

// runLevel isolates a level so a panic becomes an error.
func runLevel(ctx context.Context, level LevelDetector, scan *Scan, targets []detection.Target) (out []detection.DetectionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("level %s panicked: %v", level.Level(), p)
		}
	}()
	return level.Detect(ctx, scan, targets)
}

// DefaultConcurrency bounds per-target fan-out inside a level.
const DefaultConcurrency = 8

// evaluate runs fn for every target concurrently, at most limit at a time,
// and collects the non-nil results in target order. A failing target is
// logged and contributes nothing.
func evaluate(ctx context.Context, level detection.Level, targets []detection.Target, limit int, fn func(context.Context, detection.Target) (*detection.DetectionResult, error)) []detection.DetectionResult {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	slots := make([]*detection.DetectionResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			r, err := fn(gctx, t)
			if err != nil {
				slog.Debug("Target evaluation failed", "level", level.String(), "target", t.ID, "error", err)
				return nil
			}
			slots[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var out []detection.DetectionResult
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
