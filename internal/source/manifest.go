package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"

	"github.com/steveyegge/patternscan/internal/detection"
)

// Ecosystem identifies a package manager.
type Ecosystem string

const (
	EcosystemNPM   Ecosystem = "npm"
	EcosystemCargo Ecosystem = "cargo"
	EcosystemGo    Ecosystem = "go"
	EcosystemPyPI  Ecosystem = "pypi"
	EcosystemGem   Ecosystem = "gem"
	EcosystemMaven Ecosystem = "maven"
)

// Dependency is one declared dependency.
type Dependency struct {
	Name    string
	Version string
	Dev     bool
}

// Manifest is a parsed package manifest.
type Manifest struct {
	Path         string
	Ecosystem    Ecosystem
	Dependencies []Dependency
}

// Has reports whether the manifest declares a dependency matching pattern
// (path.Match syntax, case-insensitive).
func (m Manifest) Has(pattern string) (Dependency, bool) {
	pattern = strings.ToLower(pattern)
	for _, d := range m.Dependencies {
		name := strings.ToLower(d.Name)
		if name == pattern {
			return d, true
		}
		if matched, _ := path.Match(pattern, name); matched {
			return d, true
		}
	}
	return Dependency{}, false
}

var manifestParsers = map[string]struct {
	ecosystem Ecosystem
	parse     func([]byte) ([]Dependency, error)
}{
	"package.json":     {EcosystemNPM, parsePackageJSON},
	"Cargo.toml":       {EcosystemCargo, parseCargoToml},
	"go.mod":           {EcosystemGo, parseGoMod},
	"requirements.txt": {EcosystemPyPI, parseRequirements},
	"pyproject.toml":   {EcosystemPyPI, parsePyProject},
	"Gemfile":          {EcosystemGem, parseGemfile},
	"pom.xml":          {EcosystemMaven, parsePom},
}

// MaxManifestDepth limits manifest discovery to the root, workspace
// directories (apps/, packages/, services/) and their direct children.
const MaxManifestDepth = 3

// IsManifest reports whether a file name is a supported manifest.
func IsManifest(name string) bool {
	_, ok := manifestParsers[name]
	return ok
}

// ParseManifest parses a manifest by its file name.
func ParseManifest(rel string, data []byte) (Manifest, error) {
	p, ok := manifestParsers[path.Base(rel)]
	if !ok {
		return Manifest{}, fmt.Errorf("%w: unsupported manifest %s", detection.ErrParse, rel)
	}
	deps, err := p.parse(data)
	if err != nil {
		return Manifest{}, detection.Wrap(detection.ErrParse, "parse "+rel, err)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return Manifest{Path: rel, Ecosystem: p.ecosystem, Dependencies: deps}, nil
}

// Manifests returns every parsed manifest in the tree. Unparseable manifests
// are logged and skipped.
func (t *Tree) Manifests() []Manifest {
	t.manifestOnce.Do(func() {
		for _, e := range t.Entries() {
			if e.IsDir || e.Depth() > MaxManifestDepth || !IsManifest(e.Name()) {
				continue
			}
			data, err := t.ReadFile(e.Path)
			if err != nil {
				slog.Debug("Skipping unreadable manifest", "path", e.Path, "error", err)
				continue
			}
			m, err := ParseManifest(e.Path, data)
			if err != nil {
				slog.Debug("Skipping unparseable manifest", "path", e.Path, "error", err)
				continue
			}
			t.manifests = append(t.manifests, m)
		}
	})
	return t.manifests
}

// FindDependency returns the manifests declaring a dependency matching
// pattern. An empty ecosystem matches all.
func (t *Tree) FindDependency(pattern string, ecosystem Ecosystem) []Manifest {
	var out []Manifest
	for _, m := range t.Manifests() {
		if ecosystem != "" && m.Ecosystem != ecosystem {
			continue
		}
		if _, ok := m.Has(pattern); ok {
			out = append(out, m)
		}
	}
	return out
}

func parsePackageJSON(data []byte) ([]Dependency, error) {
	var pkg struct {
		Dependencies     map[string]string `json:"dependencies"`
		DevDependencies  map[string]string `json:"devDependencies"`
		PeerDependencies map[string]string `json:"peerDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	var deps []Dependency
	for name, v := range pkg.Dependencies {
		deps = append(deps, Dependency{Name: name, Version: v})
	}
	for name, v := range pkg.PeerDependencies {
		deps = append(deps, Dependency{Name: name, Version: v})
	}
	for name, v := range pkg.DevDependencies {
		deps = append(deps, Dependency{Name: name, Version: v, Dev: true})
	}
	return deps, nil
}

func parseCargoToml(data []byte) ([]Dependency, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var deps []Dependency
	deps = append(deps, tomlTable(doc, false, "dependencies")...)
	deps = append(deps, tomlTable(doc, true, "dev-dependencies")...)
	deps = append(deps, tomlTable(doc, false, "build-dependencies")...)
	deps = append(deps, tomlTable(doc, false, "workspace", "dependencies")...)
	return deps, nil
}

// tomlTable reads a dependency table at the given key path. Values are either
// a version string or an inline table with a "version" key.
func tomlTable(doc map[string]any, dev bool, keys ...string) []Dependency {
	var cur any = doc
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[k]
	}
	table, ok := cur.(map[string]any)
	if !ok {
		return nil
	}
	var deps []Dependency
	for name, v := range table {
		d := Dependency{Name: name, Dev: dev}
		switch val := v.(type) {
		case string:
			d.Version = val
		case map[string]any:
			if s, ok := val["version"].(string); ok {
				d.Version = s
			}
		}
		deps = append(deps, d)
	}
	return deps
}

func parseGoMod(data []byte) ([]Dependency, error) {
	f, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil {
		return nil, err
	}
	deps := make([]Dependency, 0, len(f.Require))
	for _, r := range f.Require {
		deps = append(deps, Dependency{Name: r.Mod.Path, Version: r.Mod.Version})
	}
	return deps, nil
}

var requirementSplit = regexp.MustCompile(`[=<>!~\[;\s]`)

func parseRequirements(data []byte) ([]Dependency, error) {
	var deps []Dependency
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if d, ok := parseRequirement(line); ok {
			deps = append(deps, d)
		}
	}
	return deps, scanner.Err()
}

func parseRequirement(spec string) (Dependency, bool) {
	loc := requirementSplit.FindStringIndex(spec)
	name, version := spec, ""
	if loc != nil {
		name, version = spec[:loc[0]], strings.TrimSpace(spec[loc[0]:])
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Dependency{}, false
	}
	return Dependency{Name: name, Version: version}, true
}

func parsePyProject(data []byte) ([]Dependency, error) {
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Dependencies    map[string]any `toml:"dependencies"`
				DevDependencies map[string]any `toml:"dev-dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var deps []Dependency
	for _, spec := range doc.Project.Dependencies {
		if d, ok := parseRequirement(spec); ok {
			deps = append(deps, d)
		}
	}
	for name := range doc.Tool.Poetry.Dependencies {
		if strings.EqualFold(name, "python") {
			continue
		}
		deps = append(deps, Dependency{Name: strings.ToLower(name)})
	}
	for name := range doc.Tool.Poetry.DevDependencies {
		deps = append(deps, Dependency{Name: strings.ToLower(name), Dev: true})
	}
	return deps, nil
}

var gemLine = regexp.MustCompile(`^\s*gem\s+['"]([^'"]+)['"](?:\s*,\s*['"]([^'"]+)['"])?`)

func parseGemfile(data []byte) ([]Dependency, error) {
	var deps []Dependency
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if m := gemLine.FindStringSubmatch(scanner.Text()); m != nil {
			deps = append(deps, Dependency{Name: m[1], Version: m[2]})
		}
	}
	return deps, scanner.Err()
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Scope      string `xml:"scope"`
}

func parsePom(data []byte) ([]Dependency, error) {
	var pom struct {
		Parent       pomDependency   `xml:"parent"`
		Dependencies []pomDependency `xml:"dependencies>dependency"`
		Managed      []pomDependency `xml:"dependencyManagement>dependencies>dependency"`
	}
	if err := xml.Unmarshal(data, &pom); err != nil {
		return nil, err
	}
	var deps []Dependency
	if pom.Parent.ArtifactID != "" {
		deps = append(deps, Dependency{Name: pom.Parent.ArtifactID, Version: pom.Parent.Version})
	}
	for _, d := range append(pom.Dependencies, pom.Managed...) {
		if d.ArtifactID == "" {
			continue
		}
		deps = append(deps, Dependency{Name: d.ArtifactID, Version: d.Version, Dev: d.Scope == "test"})
	}
	return deps, nil
}
