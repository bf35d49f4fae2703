package detectors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/patternscan/internal/detection"
)

// Engine runs a set of detectors keyed by pattern type.
type Engine struct {
	deps Deps

	mu        sync.RWMutex
	detectors map[string]Detector
	order     []string
}

// NewEngine creates an engine with no detectors.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:      deps.withDefaults(),
		detectors: make(map[string]Detector),
	}
}

// NewStandardEngine creates an engine with every built-in detector.
func NewStandardEngine(deps Deps) *Engine {
	e := NewEngine(deps)
	e.Register(NewArchitectureDetector(e.deps))
	e.Register(NewInfrastructureDetector(e.deps))
	e.Register(NewFrameworkDetector(e.deps))
	e.Register(NewTechnologyDetector(e.deps))
	e.Register(NewLayeredDetector(e.deps))
	return e
}

// Deps returns the collaborators the engine was built with.
func (e *Engine) Deps() Deps {
	return e.deps
}

// Register adds d, replacing any detector of the same pattern type.
func (e *Engine) Register(d Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.detectors[d.PatternType()]; !exists {
		e.order = append(e.order, d.PatternType())
	}
	e.detectors[d.PatternType()] = d
}

// Detector returns the detector for a pattern type.
func (e *Engine) Detector(patternType string) (Detector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.detectors[patternType]
	return d, ok
}

// Types returns the registered pattern types in registration order.
func (e *Engine) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// DetectAll runs the detectors for types (all when empty) concurrently.
// Unknown types are an error; a failing detector fails the call.
func (e *Engine) DetectAll(ctx context.Context, root string, types []string, opts detection.Options) (map[string][]detection.DetectionResult, error) {
	if len(types) == 0 {
		types = e.Types()
	}
	selected := make([]Detector, 0, len(types))
	for _, t := range types {
		d, ok := e.Detector(t)
		if !ok {
			return nil, fmt.Errorf("%w: unknown detector %q", detection.ErrInvalidConfiguration, t)
		}
		selected = append(selected, d)
	}

	var mu sync.Mutex
	out := make(map[string][]detection.DetectionResult, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range selected {
		g.Go(func() error {
			results, err := d.Detect(gctx, root, opts)
			if err != nil {
				return fmt.Errorf("%s detector: %w", d.PatternType(), err)
			}
			mu.Lock()
			out[d.PatternType()] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LearnAll reports every result through the detector that produced it.
func (e *Engine) LearnAll(ctx context.Context, results map[string][]detection.DetectionResult) error {
	var errs []error
	for patternType, rs := range results {
		d, ok := e.Detector(patternType)
		if !ok {
			continue
		}
		for _, r := range rs {
			if err := d.LearnPattern(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", r.PatternType, r.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Hydrate overlays pattern definitions from the knowledge store onto the
// registry. It is best-effort.
func (e *Engine) Hydrate(ctx context.Context) (added, updated int) {
	if e.deps.Learning == nil {
		return 0, 0
	}
	return e.deps.Learning.Hydrate(ctx)
}

// Close drains pending learning reports.
func (e *Engine) Close(ctx context.Context) error {
	if e.deps.Learning == nil {
		return nil
	}
	return e.deps.Learning.Close(ctx)
}
