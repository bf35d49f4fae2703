package detectors

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/patternscan/internal/detection"
)

// TypeProgrammingLanguage is the pattern type of language results.
const TypeProgrammingLanguage = "programming_language"

// TechnologyCategories are the registry categories of build systems and
// deployment tooling.
var TechnologyCategories = []string{"build_system", "containerization", "orchestration"}

// TechnologyDetector reports programming languages by file count and build
// and deployment tooling through the cascade.
type TechnologyDetector struct {
	base
}

// NewTechnologyDetector creates the detector.
func NewTechnologyDetector(deps Deps) *TechnologyDetector {
	return &TechnologyDetector{base: newBase(deps)}
}

func (d *TechnologyDetector) PatternType() string { return TypeTechnology }

func (d *TechnologyDetector) Description() string {
	return "Detect programming languages and technology stacks"
}

// LanguageConfidence maps a file count to a confidence band.
func LanguageConfidence(files int) float64 {
	switch {
	case files <= 5:
		return 0.6
	case files <= 20:
		return 0.8
	case files <= 100:
		return 0.9
	default:
		return 0.95
	}
}

func (d *TechnologyDetector) Detect(ctx context.Context, root string, opts detection.Options) ([]detection.DetectionResult, error) {
	tree, err := d.open(root)
	if err != nil {
		return nil, err
	}

	counts := tree.LanguageCounts()
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	var results []detection.DetectionResult
	for _, lang := range langs {
		n := counts[lang]
		r := detection.NewResult(lang, TypeProgrammingLanguage, LanguageConfidence(n), detection.LevelFileExistence).
			WithDescription(fmt.Sprintf("%s technology detected (%d files)", lang, n))
		r.Metadata["file_count"] = n
		results = append(results, r)
	}

	tooling := d.run(ctx, tree, TechnologyCategories, detection.Options{MaxLevel: opts.MaxLevel})
	results = append(results, tooling...)

	results = detection.Finalize(results, opts)
	d.report(results)
	return results, nil
}

func (d *TechnologyDetector) LearnPattern(ctx context.Context, result detection.DetectionResult) error {
	return d.learn(ctx, result)
}
