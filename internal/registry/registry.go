package registry

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/patternscan/internal/detection"
)

//go:embed builtin_patterns.yaml
var builtinPatterns []byte

// MaxAdjustment bounds the learned adjustment in either direction.
const MaxAdjustment = 0.2

var validate = validator.New()

// Registry is the set of known pattern definitions, safe for concurrent use.
// Readers always receive copies.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]PatternDefinition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{patterns: make(map[string]PatternDefinition)}
}

// NewWithBuiltins creates a registry loaded with the built-in pattern set.
func NewWithBuiltins() *Registry {
	r := New()
	defs, err := ParseDefinitions(builtinPatterns)
	if err != nil {
		// The embedded file is part of the binary; failing here is a build defect.
		panic(fmt.Sprintf("builtin patterns: %v", err))
	}
	for _, def := range defs {
		def.Source = SourceBuiltin
		if err := r.Register(def); err != nil {
			slog.Warn("Skipping builtin pattern", "pattern", def.ID(), "error", err)
		}
	}
	return r
}

type definitionFile struct {
	Patterns []PatternDefinition `yaml:"patterns"`
}

// ParseDefinitions decodes a YAML pattern file. Definitions are not
// validated here; Register and Merge do that.
func ParseDefinitions(data []byte) ([]PatternDefinition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, detection.Wrap(detection.ErrParse, "parse pattern definitions", err)
	}
	return f.Patterns, nil
}

// Validate checks a definition and compiles its regexes in place.
func Validate(def *PatternDefinition) error {
	if err := validate.Struct(def); err != nil {
		return detection.Wrap(detection.ErrInvalidConfiguration, "validate pattern "+def.ID(), err)
	}
	if err := def.compile(); err != nil {
		return detection.Wrap(detection.ErrInvalidConfiguration, "compile pattern", err)
	}
	return nil
}

// Register adds a definition. Registering an existing ID is an error.
func (r *Registry) Register(def PatternDefinition) error {
	if err := Validate(&def); err != nil {
		return err
	}
	def = def.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	id := def.ID()
	if _, exists := r.patterns[id]; exists {
		return fmt.Errorf("pattern %q already registered", id)
	}
	r.patterns[id] = def
	return nil
}

// Get returns a copy of the definition with the given ID.
func (r *Registry) Get(id string) (PatternDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.patterns[id]
	if !ok {
		return PatternDefinition{}, false
	}
	return def.clone(), true
}

// Adjustment returns the learned adjustment for id, zero when unknown.
func (r *Registry) Adjustment(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.patterns[id].Adjustment
}

// AllForCategory returns the definitions of one category ordered by name.
func (r *Registry) AllForCategory(category string) []PatternDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PatternDefinition
	for _, def := range r.patterns {
		if def.Category == category {
			out = append(out, def.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every definition ordered by ID.
func (r *Registry) All() []PatternDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PatternDefinition, 0, len(r.patterns))
	for _, def := range r.patterns {
		out = append(out, def.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Categories returns the distinct categories in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, def := range r.patterns {
		if !seen[def.Category] {
			seen[def.Category] = true
			out = append(out, def.Category)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}

// ApplyLearnedAdjustment adds delta to the pattern's adjustment, bounded to
// ±MaxAdjustment, and returns the new value. Unknown IDs are ignored.
func (r *Registry) ApplyLearnedAdjustment(id string, delta float64) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.patterns[id]
	if !ok {
		return 0, false
	}
	adj := def.Adjustment + delta
	if adj > MaxAdjustment {
		adj = MaxAdjustment
	}
	if adj < -MaxAdjustment {
		adj = -MaxAdjustment
	}
	def.Adjustment = adj
	def.LastAdjusted = time.Now()
	r.patterns[id] = def
	return adj, true
}

// Merge overlays definitions by ID. Definitions absent from defs are kept, and
// an existing learned adjustment survives the overlay. Invalid definitions are
// logged and skipped.
func (r *Registry) Merge(defs []PatternDefinition, source string) (added, updated int) {
	valid := make([]PatternDefinition, 0, len(defs))
	for _, def := range defs {
		if err := Validate(&def); err != nil {
			slog.Warn("Skipping invalid pattern definition", "pattern", def.ID(), "source", source, "error", err)
			continue
		}
		def.Source = source
		valid = append(valid, def.clone())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range valid {
		id := def.ID()
		if existing, ok := r.patterns[id]; ok {
			def.Adjustment = existing.Adjustment
			def.LastAdjusted = existing.LastAdjusted
			updated++
		} else {
			added++
		}
		r.patterns[id] = def
	}
	return added, updated
}
