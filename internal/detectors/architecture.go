package detectors

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/source"
)

// Architecture is a service-architecture classification.
type Architecture string

const (
	Microservices   Architecture = "microservices"
	Monolithic      Architecture = "monolithic"
	ModularMonolith Architecture = "modular_monolith"
	Distributed     Architecture = "distributed"
	Unknown         Architecture = "unknown"
)

// CategoryArchitecture holds the patterns that feed the classification.
const CategoryArchitecture = "architecture"

// TypeArchitecturalPattern is the pattern type of derived architectural patterns.
const TypeArchitecturalPattern = "architectural_pattern"

var (
	// Files that make a directory look like a deployable service.
	serviceIndicators = []string{
		"package.json", "Cargo.toml", "pom.xml", "Gemfile", "requirements.txt",
		"Dockerfile", "docker-compose.yml", "main.go", "main.rs", "app.py",
	}
	nonServiceDirs = map[string]bool{
		".git": true, "node_modules": true, "target": true, "dist": true,
		"build": true, ".next": true, "docs": true,
	}
	// Monorepo directories whose children are the services.
	workspaceDirs = map[string]bool{
		"apps": true, "packages": true, "services": true, "libs": true,
	}
	sharedMarkers = []string{
		"packages", "libs", "shared", "common", "core",
		"pnpm-workspace.yaml", "lerna.json",
	}
	deploymentMarkers = []string{
		"docker-compose.yml", "docker-compose.yaml",
		"kubernetes", "k8s", "helm",
		"terraform", "ansible", "playbook.yml",
	}
)

// Analysis is the structural evidence the classification is derived from.
type Analysis struct {
	Services          []string // service directories; "." when the root itself is the service
	SharedMarkers     []string
	DeploymentConfigs []string
	APICommunication  bool
	ComposeFile       string
	ComposeServices   []string
}

// ServiceCount returns the number of services found.
func (a Analysis) ServiceCount() int {
	return len(a.Services)
}

// SharedDependencies reports whether shared-code markers were found.
func (a Analysis) SharedDependencies() bool {
	return len(a.SharedMarkers) > 0
}

// Classify derives the architecture from an analysis. It is total: every
// analysis gets a classification, possibly Unknown.
func Classify(a Analysis) Architecture {
	services := a.ServiceCount()
	switch {
	case services > 2 && len(a.DeploymentConfigs) > 0:
		return Microservices
	case services == 1 && !a.SharedDependencies():
		return Monolithic
	case services > 1 && a.SharedDependencies():
		return ModularMonolith
	case a.APICommunication:
		return Distributed
	default:
		return Unknown
	}
}

// Confidence scores how well-evidenced the classification is.
func (a Analysis) Confidence() float64 {
	conf := 0.5
	switch services := a.ServiceCount(); {
	case services > 2:
		conf += 0.2
	case services == 1:
		conf += 0.1
	}
	if len(a.DeploymentConfigs) > 0 {
		conf += 0.15
	}
	if a.SharedDependencies() {
		conf += 0.1
	}
	if a.APICommunication {
		conf += 0.1
	}
	return min(conf, 0.95)
}

// Analyze gathers structural evidence from a tree. API communication is
// taken from cascade results, so the caller passes them in.
func Analyze(tree *source.Tree, cascadeResults []detection.DetectionResult) Analysis {
	var a Analysis
	a.Services = serviceDirs(tree)
	for _, m := range sharedMarkers {
		if tree.Exists(m) {
			a.SharedMarkers = append(a.SharedMarkers, m)
		}
	}
	for _, m := range deploymentMarkers {
		if tree.Exists(m) {
			a.DeploymentConfigs = append(a.DeploymentConfigs, m)
		}
	}
	for _, e := range tree.Children("") {
		if !e.IsDir && path.Ext(e.Name()) == ".tf" {
			a.DeploymentConfigs = append(a.DeploymentConfigs, "*.tf")
			break
		}
	}
	for _, r := range cascadeResults {
		if r.PatternType == CategoryArchitecture && r.Metadata[detection.MetaStatus] != detection.StatusUnknown {
			a.APICommunication = true
		}
	}
	file, services := tree.ComposeServices()
	a.ComposeFile = file
	for _, s := range services {
		a.ComposeServices = append(a.ComposeServices, s.Name)
	}
	return a
}

func serviceDirs(tree *source.Tree) []string {
	var dirs []string
	for _, e := range tree.Children("") {
		if !e.IsDir || nonServiceDirs[e.Name()] {
			continue
		}
		if workspaceDirs[e.Name()] {
			for _, c := range tree.Children(e.Path) {
				if c.IsDir && isServiceDir(tree, c.Path) {
					dirs = append(dirs, c.Path)
				}
			}
			continue
		}
		if isServiceDir(tree, e.Path) {
			dirs = append(dirs, e.Path)
		}
	}
	if len(dirs) == 0 && isServiceDir(tree, "") {
		dirs = append(dirs, ".")
	}
	sort.Strings(dirs)
	return dirs
}

func isServiceDir(tree *source.Tree, dir string) bool {
	for _, indicator := range serviceIndicators {
		if tree.Exists(path.Join(dir, indicator)) {
			return true
		}
	}
	return false
}

// ArchitectureDetector classifies the service architecture of a repository.
type ArchitectureDetector struct {
	base
}

// NewArchitectureDetector creates the detector.
func NewArchitectureDetector(deps Deps) *ArchitectureDetector {
	return &ArchitectureDetector{base: newBase(deps)}
}

func (d *ArchitectureDetector) PatternType() string { return TypeServiceArchitecture }

func (d *ArchitectureDetector) Description() string {
	return "Detect microservice vs monolithic architecture patterns"
}

func (d *ArchitectureDetector) Detect(ctx context.Context, root string, opts detection.Options) ([]detection.DetectionResult, error) {
	tree, err := d.open(root)
	if err != nil {
		return nil, err
	}

	evidence := d.run(ctx, tree, []string{CategoryArchitecture}, detection.Options{MaxLevel: opts.MaxLevel})
	analysis := Analyze(tree, evidence)
	arch := Classify(analysis)

	primary := detection.NewResult(string(arch), TypeServiceArchitecture, analysis.Confidence(), detection.LevelFileExistence).
		WithDescription(fmt.Sprintf("%s architecture detected", arch))
	primary.Metadata["service_count"] = analysis.ServiceCount()
	primary.Metadata["shared_dependencies"] = analysis.SharedDependencies()
	primary.Metadata["deployment_configs"] = len(analysis.DeploymentConfigs)
	if len(analysis.Services) > 0 {
		primary.Metadata["services"] = analysis.Services
	}
	if len(analysis.DeploymentConfigs) > 0 {
		primary.Metadata[detection.MetaConfigFiles] = analysis.DeploymentConfigs
	}
	if len(analysis.ComposeServices) > 0 {
		primary.Metadata["compose_services"] = analysis.ComposeServices
	}

	results := []detection.DetectionResult{primary}
	results = append(results, derivedPatterns(analysis)...)
	results = append(results, evidence...)

	results = detection.Finalize(results, opts)
	d.report(results)
	return results, nil
}

func derivedPatterns(a Analysis) []detection.DetectionResult {
	var out []detection.DetectionResult
	add := func(name string, conf float64, desc string) {
		out = append(out, detection.NewResult(name, TypeArchitecturalPattern, conf, detection.LevelFileExistence).WithDescription(desc))
	}
	if a.ServiceCount() > 2 {
		add("Service Decomposition", 0.8, "Application decomposed into multiple services")
	}
	if a.SharedDependencies() {
		add("Shared Libraries", 0.9, "Shared code libraries detected")
	}
	if len(a.DeploymentConfigs) > 1 {
		add("Infrastructure as Code", 0.85, "Multiple deployment configurations found")
	}
	return out
}

func (d *ArchitectureDetector) LearnPattern(ctx context.Context, result detection.DetectionResult) error {
	return d.learn(ctx, result)
}
