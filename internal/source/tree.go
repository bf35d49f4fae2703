// Package source exposes a repository as a read-only tree of entries and file
// contents. Walks, content reads and manifest parsing happen at most once per
// Tree, so every cascade level shares the same gathered data.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/steveyegge/patternscan/internal/detection"
)

// DefaultExcludes are skipped by every walk.
var DefaultExcludes = []string{
	".git/",
	"node_modules/",
	"target/",
	"dist/",
	"build/",
	".next/",
	"vendor/",
}

// DefaultMaxFileSize bounds the content index; larger files are never read.
const DefaultMaxFileSize = 1 << 20

// Options configures a Tree.
type Options struct {
	Exclude     []string // exclude patterns added to DefaultExcludes
	MaxFileSize int64
}

// Entry is one file or directory, relative to the tree root.
type Entry struct {
	Path  string // slash-separated, relative
	IsDir bool
	Size  int64
}

// Name returns the base name of the entry.
func (e Entry) Name() string {
	return path.Base(e.Path)
}

// Depth returns the number of path segments below the root.
func (e Entry) Depth() int {
	return strings.Count(e.Path, "/") + 1
}

type textFile struct {
	raw   []byte
	lower []byte
}

// Tree is a lazily indexed view of a repository. It is safe for concurrent use.
type Tree struct {
	fs      afero.Fs
	root    string
	exclude []string
	maxSize int64

	walkOnce sync.Once
	entries  []Entry
	byPath   map[string]Entry
	walkErr  error

	contentOnce sync.Once
	content     map[string]textFile

	manifestOnce sync.Once
	manifests    []Manifest
}

// Open returns a Tree rooted at root on fsys. A missing root is an
// ErrRootNotFound error.
func Open(fsys afero.Fs, root string, opts Options) (*Tree, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", detection.ErrRootNotFound, root)
		}
		return nil, detection.Wrap(detection.ErrIO, "stat root", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", detection.ErrRootNotFound, root)
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Tree{
		fs:      fsys,
		root:    root,
		exclude: append(append([]string(nil), DefaultExcludes...), opts.Exclude...),
		maxSize: maxSize,
	}, nil
}

// OpenDir opens a directory on the local filesystem.
func OpenDir(root string, opts Options) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, detection.Wrap(detection.ErrIO, "resolve root", err)
	}
	return Open(afero.NewOsFs(), abs, opts)
}

// Root returns the root path the tree was opened with.
func (t *Tree) Root() string {
	return t.root
}

func (t *Tree) walk() {
	t.walkOnce.Do(func() {
		t.byPath = make(map[string]Entry)
		t.walkErr = afero.Walk(t.fs, t.root, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				// Unreadable entries are skipped, not fatal.
				slog.Debug("Skipping unreadable path", "path", p, "error", err)
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(t.root, p)
			if err != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if t.excluded(rel, info.IsDir()) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			e := Entry{Path: rel, IsDir: info.IsDir(), Size: info.Size()}
			t.entries = append(t.entries, e)
			t.byPath[rel] = e
			return nil
		})
		if t.walkErr != nil {
			slog.Warn("Tree walk incomplete", "root", t.root, "error", t.walkErr)
		}
	})
}

func (t *Tree) excluded(rel string, isDir bool) bool {
	for _, pattern := range t.exclude {
		if matchesPattern(rel, pattern, isDir) {
			return true
		}
	}
	return false
}

// matchesPattern checks a relative path against an exclude pattern: "dir/"
// patterns match that directory anywhere, globs match the base name, anything
// else is a path prefix.
func matchesPattern(rel, pattern string, isDir bool) bool {
	if strings.HasSuffix(pattern, "/") {
		dir := strings.TrimSuffix(pattern, "/")
		if isDir && (rel == dir || strings.HasSuffix(rel, "/"+dir)) {
			return true
		}
		return strings.HasPrefix(rel, pattern) || strings.Contains(rel, "/"+pattern)
	}
	if strings.ContainsAny(pattern, "*?[") {
		matched, _ := path.Match(pattern, path.Base(rel))
		return matched
	}
	return rel == pattern || strings.HasPrefix(rel, pattern+"/")
}

// Entries returns every non-excluded entry in walk order.
func (t *Tree) Entries() []Entry {
	t.walk()
	return t.entries
}

// Lookup returns the entry at a relative path.
func (t *Tree) Lookup(rel string) (Entry, bool) {
	t.walk()
	e, ok := t.byPath[strings.TrimPrefix(rel, "./")]
	return e, ok
}

// Exists reports whether a relative path exists in the tree.
func (t *Tree) Exists(rel string) bool {
	_, ok := t.Lookup(rel)
	return ok
}

// Children returns the immediate children of a directory ("" for the root).
func (t *Tree) Children(dir string) []Entry {
	t.walk()
	dir = strings.Trim(dir, "/")
	var out []Entry
	for _, e := range t.entries {
		parent := path.Dir(e.Path)
		if parent == "." {
			parent = ""
		}
		if parent == dir {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the paths of entries matching pattern. A pattern containing a
// slash matches the whole relative path; otherwise it matches base names at
// any depth. Glob syntax follows path.Match.
func (t *Tree) Find(pattern string) []string {
	t.walk()
	var out []string
	full := strings.Contains(pattern, "/")
	for _, e := range t.entries {
		subject := e.Name()
		if full {
			subject = e.Path
		}
		if matched, _ := path.Match(pattern, subject); matched {
			out = append(out, e.Path)
		}
	}
	return out
}

// ReadFile reads a file by relative path.
func (t *Tree) ReadFile(rel string) ([]byte, error) {
	data, err := afero.ReadFile(t.fs, filepath.Join(t.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, detection.Wrap(detection.ErrIO, "read "+rel, err)
	}
	return data, nil
}

func (t *Tree) indexContent() {
	t.contentOnce.Do(func() {
		t.walk()
		t.content = make(map[string]textFile)
		for _, e := range t.entries {
			if e.IsDir || e.Size > t.maxSize || !IsTextFile(e.Path) {
				continue
			}
			data, err := t.ReadFile(e.Path)
			if err != nil {
				slog.Debug("Skipping unreadable file", "path", e.Path, "error", err)
				continue
			}
			t.content[e.Path] = textFile{raw: data, lower: bytes.ToLower(data)}
		}
	})
}

// Content returns the indexed content of a text file.
func (t *Tree) Content(rel string) ([]byte, bool) {
	t.indexContent()
	f, ok := t.content[rel]
	return f.raw, ok
}

// TextFiles returns the indexed text files in sorted order.
func (t *Tree) TextFiles() []string {
	t.indexContent()
	out := make([]string, 0, len(t.content))
	for p := range t.content {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SearchKeyword returns the text files containing keyword, case-insensitively.
func (t *Tree) SearchKeyword(keyword string) []string {
	t.indexContent()
	needle := []byte(strings.ToLower(keyword))
	var out []string
	for _, p := range t.TextFiles() {
		if bytes.Contains(t.content[p].lower, needle) {
			out = append(out, p)
		}
	}
	return out
}

// SearchRegex returns the text files where re matches.
func (t *Tree) SearchRegex(re *regexp.Regexp) []string {
	t.indexContent()
	var out []string
	for _, p := range t.TextFiles() {
		if re.Match(t.content[p].raw) {
			out = append(out, p)
		}
	}
	return out
}

// LanguageCounts counts source files per programming language.
func (t *Tree) LanguageCounts() map[string]int {
	t.walk()
	counts := make(map[string]int)
	for _, e := range t.entries {
		if e.IsDir {
			continue
		}
		if lang := DetectLanguage(e.Path); lang != "" {
			counts[lang]++
		}
	}
	return counts
}
