package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/steveyegge/patternscan/internal/cascade"
	"github.com/steveyegge/patternscan/internal/config"
	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/detectors"
	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/learning"
	"github.com/steveyegge/patternscan/internal/model"
	"github.com/steveyegge/patternscan/internal/registry"
)

// runtime holds the engine and everything it needs closed afterwards.
type runtime struct {
	cfg      *config.Config
	registry *registry.Registry
	engine   *detectors.Engine
	learning *learning.Channel
	closers  []func() error
}

// runtimeOptions are command-line choices layered over the config file.
type runtimeOptions struct {
	patternFiles []string
	noLearn      bool
	noKnowledge  bool
}

// openRuntime wires the engine for a project. Unavailable optional parts
// (knowledge store, model) are logged and left out.
func openRuntime(ctx context.Context, root string, cfg *config.Config, ro runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, registry: registry.NewWithBuiltins()}

	for _, path := range ro.patternFiles {
		if err := loadPatternFile(rt.registry, path); err != nil {
			return nil, err
		}
	}

	var client knowledge.Client
	if !ro.noKnowledge {
		c, err := rt.openKnowledge(root)
		if err != nil {
			slog.Warn("Knowledge store unavailable, continuing without it", "error", err)
		} else if c != nil {
			client = knowledge.NewResilient(c, knowledge.ResilientConfig{Timeout: cfg.Knowledge.Timeout})
		}
	}

	var inferer model.Inferer
	if cfg.Model.Enabled && allowsModel(cfg.MaxLevel) {
		a, err := model.NewAnthropic(model.AnthropicConfig{
			Model:         cfg.Model.Name,
			MaxTokens:     cfg.Model.MaxTokens,
			MaxConcurrent: cfg.Model.MaxConcurrent,
		})
		if err != nil {
			slog.Warn("Model fallback disabled", "error", err)
		} else {
			inferer = a
		}
	}

	if client != nil && cfg.Learning.Enabled && !ro.noLearn {
		rt.learning = learning.New(client, rt.registry, learning.Config{
			Step:          cfg.Learning.Step,
			Buffer:        cfg.Learning.Buffer,
			RatePerSecond: cfg.Learning.RatePerSecond,
			QueryTimeout:  cfg.Knowledge.Timeout,
		})
	}

	var reportThreshold float64
	if rt.learning != nil {
		reportThreshold = cfg.Learning.ReportThreshold
	}

	rt.engine = detectors.NewStandardEngine(detectors.Deps{
		Fs:       afero.NewOsFs(),
		Source:   cfg.SourceOptions(),
		Registry: rt.registry,
		Cascade: cascade.New(cascade.Config{
			Weights:          cfg.Weights,
			Thresholds:       cfg.Thresholds,
			Concurrency:      cfg.Concurrency,
			Knowledge:        client,
			KnowledgeTimeout: cfg.Knowledge.Timeout,
			Inferer:          inferer,
			ModelTimeout:     cfg.Model.Timeout,
			ModelMaxTokens:   cfg.Model.MaxTokens,
		}),
		Learning:        rt.learning,
		ReportThreshold: reportThreshold,
	})

	if rt.learning != nil {
		rt.engine.Hydrate(ctx)
	}
	return rt, nil
}

// openKnowledge returns the configured store client, or nil when none is
// configured. The caller wraps it.
func (rt *runtime) openKnowledge(root string) (knowledge.Client, error) {
	kc := rt.cfg.Knowledge
	switch {
	case kc.Address != "":
		c, err := knowledge.Dial(kc.Address)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, c.Close)
		return c, nil
	case kc.DBPath != "":
		path := kc.DBPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		store, err := knowledge.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		return store, nil
	default:
		return nil, nil
	}
}

// Close drains learning reports and releases the store.
func (rt *runtime) Close() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining learning reports: %w", err))
	}
	if rt.learning != nil {
		st := rt.learning.Stats()
		slog.Debug("Learning channel closed", "published", st.Published, "failed", st.Failed, "dropped", st.Dropped)
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func allowsModel(level detection.Level) bool {
	return level == 0 || level >= detection.LevelModelFallback
}

// loadPatternFile merges a YAML pattern file into reg. Invalid definitions
// are rejected individually by the registry.
func loadPatternFile(reg *registry.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return detection.Wrap(detection.ErrIO, "read pattern file", err)
	}
	defs, err := registry.ParseDefinitions(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	added, updated := reg.Merge(defs, registry.SourceFile)
	slog.Debug("Loaded pattern file", "path", path, "added", added, "updated", updated)
	return nil
}
