// Package cascade runs detection targets through ordered levels of increasing
// cost. A target resolved by one level is never seen by the next.
package cascade

import (
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/registry"
	"github.com/steveyegge/patternscan/internal/source"
	"github.com/steveyegge/patternscan/internal/structure"
)

// Scan is the state shared by every level during one run: the tree being
// scanned, a snapshot of pattern definitions and the evidence ledger.
type Scan struct {
	Tree      *source.Tree
	Structure *structure.Index
	Registry  *registry.Registry

	defs sync.Map // target ID -> registry.PatternDefinition

	mu     sync.Mutex
	ledger map[string][]detection.Evidence
}

// NewScan creates the per-run state. parsers may be nil for the default set.
func NewScan(tree *source.Tree, reg *registry.Registry, parsers *structure.Registry) *Scan {
	if parsers == nil {
		parsers = structure.DefaultRegistry()
	}
	return &Scan{
		Tree:      tree,
		Structure: structure.NewIndex(tree, parsers),
		Registry:  reg,
		ledger:    make(map[string][]detection.Evidence),
	}
}

// Definition returns the pattern definition behind a target. The first
// lookup is cached so every level of a run sees the same definition.
func (s *Scan) Definition(targetID string) (registry.PatternDefinition, bool) {
	if v, ok := s.defs.Load(targetID); ok {
		return v.(registry.PatternDefinition), true
	}
	def, ok := s.Registry.Get(targetID)
	if !ok {
		return registry.PatternDefinition{}, false
	}
	v, _ := s.defs.LoadOrStore(targetID, def)
	return v.(registry.PatternDefinition), true
}

// AddEvidence appends to a target's ledger.
func (s *Scan) AddEvidence(targetID string, evidence ...detection.Evidence) {
	if len(evidence) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[targetID] = append(s.ledger[targetID], evidence...)
}

// Evidence returns a copy of a target's ledger.
func (s *Scan) Evidence(targetID string) []detection.Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]detection.Evidence(nil), s.ledger[targetID]...)
}

// TargetsFor builds one target per definition.
func TargetsFor(defs []registry.PatternDefinition) []detection.Target {
	targets := make([]detection.Target, 0, len(defs))
	for _, def := range defs {
		targets = append(targets, TargetFor(def))
	}
	return targets
}

// TargetFor builds the target testing a definition.
func TargetFor(def registry.PatternDefinition) detection.Target {
	seen := make(map[detection.EvidenceKind]bool)
	var expected []detection.EvidenceKind
	for _, s := range def.Signals {
		k := evidenceKindOf(s.Kind)
		if !seen[k] {
			seen[k] = true
			expected = append(expected, k)
		}
	}
	return detection.Target{
		ID:       def.ID(),
		Category: def.Category,
		Pattern:  def.Name,
		Expected: expected,
	}
}

func evidenceKindOf(k registry.SignalKind) detection.EvidenceKind {
	switch k {
	case registry.SignalFile:
		return detection.EvidenceFileExistence
	case registry.SignalDependency:
		return detection.EvidenceManifestDependency
	case registry.SignalKeyword:
		return detection.EvidenceKeyword
	case registry.SignalRegex:
		return detection.EvidenceRegex
	default:
		return detection.EvidenceASTQuery
	}
}

// describeEvidence renders evidence for result metadata and model prompts.
func describeEvidence(evidence []detection.Evidence) []string {
	out := make([]string, 0, len(evidence))
	for _, e := range evidence {
		if e.Source != "" && e.Source != e.Match {
			out = append(out, fmt.Sprintf("%s %s in %s", e.Kind, e.Match, e.Source))
		} else {
			out = append(out, fmt.Sprintf("%s %s", e.Kind, e.Match))
		}
	}
	return out
}

// configFiles lists the files behind file-existence evidence.
func configFiles(evidence []detection.Evidence) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range evidence {
		if e.Kind != detection.EvidenceFileExistence && e.Kind != detection.EvidenceManifestDependency {
			continue
		}
		if e.Source != "" && !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	sort.Strings(out)
	return out
}
