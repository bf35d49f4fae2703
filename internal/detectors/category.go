package detectors

import (
	"context"

	"github.com/steveyegge/patternscan/internal/detection"
)

var (
	// InfrastructureCategories are the registry categories of infrastructure systems.
	InfrastructureCategories = []string{"database", "messaging", "service_mesh", "caching", "monitoring"}
	// FrameworkCategories are the registry categories of frameworks and tools.
	FrameworkCategories = []string{
		"web_ui_framework", "web_server_framework", "application_framework",
		"build_tool", "runtime_framework", "orm_framework",
	}
)

// CategoryDetector runs every registry pattern of a fixed set of categories
// through the cascade. With no categories it covers the whole registry.
type CategoryDetector struct {
	base
	patternType string
	description string
	categories  []string
}

// NewInfrastructureDetector detects databases, brokers, meshes, caches and
// monitoring systems.
func NewInfrastructureDetector(deps Deps) *CategoryDetector {
	return &CategoryDetector{
		base:        newBase(deps),
		patternType: TypeInfrastructure,
		description: "Detect databases, message brokers, service meshes, caches and monitoring systems",
		categories:  InfrastructureCategories,
	}
}

// NewFrameworkDetector detects web, application, runtime and ORM frameworks
// and build tools.
func NewFrameworkDetector(deps Deps) *CategoryDetector {
	return &CategoryDetector{
		base:        newBase(deps),
		patternType: TypeFramework,
		description: "Detect web frameworks, build tools and runtime frameworks",
		categories:  FrameworkCategories,
	}
}

// NewLayeredDetector runs every registered pattern through all levels,
// narrowed by opts.Categories.
func NewLayeredDetector(deps Deps) *CategoryDetector {
	return &CategoryDetector{
		base:        newBase(deps),
		patternType: TypeLayered,
		description: "Detect any registered pattern through all detection levels",
	}
}

func (d *CategoryDetector) PatternType() string { return d.patternType }

func (d *CategoryDetector) Description() string { return d.description }

// Categories returns the categories the detector covers.
func (d *CategoryDetector) Categories() []string {
	if len(d.categories) == 0 {
		return d.deps.Registry.Categories()
	}
	return d.categories
}

func (d *CategoryDetector) Detect(ctx context.Context, root string, opts detection.Options) ([]detection.DetectionResult, error) {
	tree, err := d.open(root)
	if err != nil {
		return nil, err
	}
	results := d.run(ctx, tree, d.Categories(), opts)
	d.report(results)
	return results, nil
}

func (d *CategoryDetector) LearnPattern(ctx context.Context, result detection.DetectionResult) error {
	return d.learn(ctx, result)
}
