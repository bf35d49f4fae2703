// Package registry holds the pattern definitions the cascade tests for, and the
// learned confidence adjustments attached to them.
package registry

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SignalKind is the kind of observation a signal asks for.
type SignalKind string

const (
	SignalFile       SignalKind = "file"       // relative path, directory name or glob
	SignalDependency SignalKind = "dependency" // manifest dependency name (glob allowed)
	SignalKeyword    SignalKind = "keyword"    // case-insensitive literal in file content
	SignalRegex      SignalKind = "regex"      // regular expression over file content
	SignalImport     SignalKind = "import"     // import path prefix in parsed source
	SignalCall       SignalKind = "call"       // qualified call name in parsed source
)

// Signal is one piece of evidence a pattern expects to find.
type Signal struct {
	Kind   SignalKind `yaml:"kind" json:"kind" validate:"required,oneof=file dependency keyword regex import call"`
	Value  string     `yaml:"value" json:"value" validate:"required"`
	Weight float64    `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0,lte=1"`
	// Ecosystem restricts dependency signals to one manifest type (npm, cargo, go, pypi, gem, maven).
	Ecosystem string `yaml:"ecosystem,omitempty" json:"ecosystem,omitempty" validate:"omitempty,oneof=npm cargo go pypi gem maven"`

	re *regexp.Regexp
}

// Regexp returns the compiled expression of a regex signal.
func (s Signal) Regexp() *regexp.Regexp {
	return s.re
}

// IsText reports whether the signal is answered by scanning file content.
func (s Signal) IsText() bool {
	return s.Kind == SignalKeyword || s.Kind == SignalRegex
}

// IsStructural reports whether the signal is answered by a source parser.
func (s Signal) IsStructural() bool {
	return s.Kind == SignalImport || s.Kind == SignalCall
}

// IsPresence reports whether the signal is answered by file or manifest lookups.
func (s Signal) IsPresence() bool {
	return s.Kind == SignalFile || s.Kind == SignalDependency
}

// PatternDefinition describes one detectable pattern.
type PatternDefinition struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Category    string   `yaml:"category" json:"category" validate:"required"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Signals     []Signal `yaml:"signals" json:"signals" validate:"required,min=1,dive"`
	// BaseWeight is the pattern-match contribution floor once enough text
	// signals match, and the scale for partial matches below that.
	BaseWeight float64 `yaml:"base_weight,omitempty" json:"base_weight,omitempty" validate:"gte=0,lte=1"`

	Adjustment   float64   `yaml:"-" json:"adjustment,omitempty"`
	LastAdjusted time.Time `yaml:"-" json:"last_adjusted,omitempty"`
	Source       string    `yaml:"-" json:"source,omitempty"`
}

// Sources of a definition.
const (
	SourceBuiltin = "builtin"
	SourceRemote  = "remote"
	SourceFile    = "file"
)

// ID returns the registry key of the definition.
func (d PatternDefinition) ID() string {
	return ID(d.Category, d.Name)
}

// ID builds a registry key from category and name.
func ID(category, name string) string {
	return category + "/" + name
}

// SplitID is the inverse of ID.
func SplitID(id string) (category, name string) {
	category, name, ok := strings.Cut(id, "/")
	if !ok {
		return "", id
	}
	return category, name
}

// SignalsOf returns the signals matching keep.
func (d PatternDefinition) SignalsOf(keep func(Signal) bool) []Signal {
	var out []Signal
	for _, s := range d.Signals {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// clone returns a deep copy safe to hand to readers.
func (d PatternDefinition) clone() PatternDefinition {
	d.Signals = append([]Signal(nil), d.Signals...)
	return d
}

// compile fills in compiled regexes and normalizes keywords.
func (d *PatternDefinition) compile() error {
	for i := range d.Signals {
		s := &d.Signals[i]
		switch s.Kind {
		case SignalRegex:
			re, err := regexp.Compile(s.Value)
			if err != nil {
				return fmt.Errorf("pattern %s: signal %d: %w", d.ID(), i, err)
			}
			s.re = re
		case SignalKeyword:
			s.Value = strings.ToLower(s.Value)
		}
	}
	return nil
}
