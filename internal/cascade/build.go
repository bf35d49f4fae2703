package cascade

import (
	"time"

	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/model"
	"github.com/steveyegge/patternscan/internal/scoring"
)

// Config assembles the standard five levels. Zero weights and thresholds
// fall back to the defaults; a nil Knowledge client or Inferer disables the
// corresponding level.
type Config struct {
	Weights     scoring.Weights
	Thresholds  Thresholds
	Concurrency int

	Knowledge        knowledge.Client
	KnowledgeTimeout time.Duration

	Inferer        model.Inferer
	ModelTimeout   time.Duration
	ModelMaxTokens int
}

// Levels builds the standard levels from cfg.
func Levels(cfg Config) []LevelDetector {
	w := scoring.DefaultWeights().Merge(cfg.Weights)
	th := DefaultThresholds()
	if cfg.Thresholds.FileExistence > 0 {
		th.FileExistence = cfg.Thresholds.FileExistence
	}
	if cfg.Thresholds.PatternMatch > 0 {
		th.PatternMatch = cfg.Thresholds.PatternMatch
	}
	if cfg.Thresholds.AstAnalysis > 0 {
		th.AstAnalysis = cfg.Thresholds.AstAnalysis
	}
	if cfg.Thresholds.KnowledgeCrossReference > 0 {
		th.KnowledgeCrossReference = cfg.Thresholds.KnowledgeCrossReference
	}

	levels := []LevelDetector{
		&FileExistenceLevel{Weights: w, Threshold: th.FileExistence, Concurrency: cfg.Concurrency},
		&PatternMatchLevel{Weights: w, Threshold: th.PatternMatch, Concurrency: cfg.Concurrency},
		&AstLevel{Weights: w, Threshold: th.AstAnalysis, Concurrency: cfg.Concurrency},
	}
	if cfg.Knowledge != nil {
		timeout := cfg.KnowledgeTimeout
		if timeout <= 0 {
			timeout = knowledge.DefaultTimeout
		}
		levels = append(levels, &KnowledgeLevel{
			Client:      cfg.Knowledge,
			Weights:     w,
			Threshold:   th.KnowledgeCrossReference,
			Timeout:     timeout,
			Concurrency: cfg.Concurrency,
		})
	}
	if cfg.Inferer != nil {
		timeout := cfg.ModelTimeout
		if timeout <= 0 {
			timeout = model.DefaultTimeout
		}
		levels = append(levels, &ModelLevel{
			Inferer:   cfg.Inferer,
			Timeout:   timeout,
			MaxTokens: cfg.ModelMaxTokens,
		})
	}
	return levels
}

// New builds an orchestrator over the standard levels.
func New(cfg Config) *Orchestrator {
	return NewOrchestrator(Levels(cfg)...)
}
