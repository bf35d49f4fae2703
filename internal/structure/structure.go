// Package structure extracts structural facts (imports, calls) from source
// files through per-language parsers.
package structure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/steveyegge/patternscan/internal/source"
)

// ErrUnsupportedLanguage is returned when no parser handles a language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Facts are the structural observations from one file.
type Facts struct {
	Path     string
	Language string
	Package  string
	Imports  []string
	Calls    []string // qualified as "pkg.Func"
}

// HasImport reports whether the file imports path or a package under it.
func (f Facts) HasImport(path string) bool {
	for _, imp := range f.Imports {
		if imp == path || strings.HasPrefix(imp, path+"/") {
			return true
		}
	}
	return false
}

// HasCall reports whether the file calls name.
func (f Facts) HasCall(name string) bool {
	for _, c := range f.Calls {
		if c == name {
			return true
		}
	}
	return false
}

// Parser turns one file into Facts.
type Parser interface {
	Language() string
	Parse(ctx context.Context, path string, content []byte) (*Facts, error)
}

// Registry selects a parser by language.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry creates a registry holding the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with the built-in parsers.
func DefaultRegistry() *Registry {
	return NewRegistry(GoParser{})
}

// Register adds or replaces the parser for its language.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.Language()] = p
}

// Lookup returns the parser for language.
func (r *Registry) Lookup(language string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return p, nil
}

// Languages returns the languages with a registered parser.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for lang := range r.parsers {
		out = append(out, lang)
	}
	return out
}

// Index parses every supported file of a tree once and caches the facts.
type Index struct {
	tree     *source.Tree
	registry *Registry

	mu    sync.Mutex
	done  bool
	facts []Facts
}

// NewIndex creates an index over tree.
func NewIndex(tree *source.Tree, registry *Registry) *Index {
	return &Index{tree: tree, registry: registry}
}

// Facts returns the facts of every parseable file. Files in unsupported
// languages and files that fail to parse contribute nothing. A parse cut
// short by ctx is returned but not cached, so the next call starts over.
func (ix *Index) Facts(ctx context.Context) []Facts {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.done {
		return ix.facts
	}

	var out []Facts
	for _, path := range ix.tree.TextFiles() {
		if ctx.Err() != nil {
			return out
		}
		lang := source.DetectLanguage(path)
		if lang == "" {
			continue
		}
		p, err := ix.registry.Lookup(lang)
		if err != nil {
			continue
		}
		content, ok := ix.tree.Content(path)
		if !ok {
			continue
		}
		facts, err := p.Parse(ctx, path, content)
		if err != nil {
			slog.Debug("Skipping unparseable file", "path", path, "error", err)
			continue
		}
		out = append(out, *facts)
	}
	ix.facts = out
	ix.done = true
	return ix.facts
}
