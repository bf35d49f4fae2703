// Package scoring combines weighted evidence into a single bounded confidence.
package scoring

import "github.com/steveyegge/patternscan/internal/detection"

const (
	// MaxBaseConfidence is the ceiling for anything not confirmed by the knowledge store.
	MaxBaseConfidence = 0.95
	// ConfirmedCeiling is the ceiling for knowledge-store-confirmed results.
	ConfirmedCeiling = 1.0
)

// Weights are the fixed per-evidence contributions. They are configuration,
// never learned.
type Weights struct {
	ConfigFile             float64 `yaml:"config_file" mapstructure:"config_file"`
	Keyword                float64 `yaml:"keyword" mapstructure:"keyword"`
	Structural             float64 `yaml:"structural" mapstructure:"structural"`
	Compliance             float64 `yaml:"compliance" mapstructure:"compliance"`
	KnowledgeCorroboration float64 `yaml:"knowledge_corroboration" mapstructure:"knowledge_corroboration"`
	// ServiceConfigFile and ServiceKeyword apply to messaging, service mesh,
	// caching and monitoring, which are identified more reliably by config files.
	ServiceConfigFile float64 `yaml:"service_config_file" mapstructure:"service_config_file"`
	ServiceKeyword    float64 `yaml:"service_keyword" mapstructure:"service_keyword"`
}

// DefaultWeights returns the stock weights.
func DefaultWeights() Weights {
	return Weights{
		ConfigFile:             0.4,
		Keyword:                0.3,
		Structural:             0.4,
		Compliance:             0.15,
		KnowledgeCorroboration: 0.25,
		ServiceConfigFile:      0.5,
		ServiceKeyword:         0.4,
	}
}

// Merge returns w with every non-zero field of o applied on top.
func (w Weights) Merge(o Weights) Weights {
	pick := func(base, override float64) float64 {
		if override != 0 {
			return override
		}
		return base
	}
	return Weights{
		ConfigFile:             pick(w.ConfigFile, o.ConfigFile),
		Keyword:                pick(w.Keyword, o.Keyword),
		Structural:             pick(w.Structural, o.Structural),
		Compliance:             pick(w.Compliance, o.Compliance),
		KnowledgeCorroboration: pick(w.KnowledgeCorroboration, o.KnowledgeCorroboration),
		ServiceConfigFile:      pick(w.ServiceConfigFile, o.ServiceConfigFile),
		ServiceKeyword:         pick(w.ServiceKeyword, o.ServiceKeyword),
	}
}

// ConfigFileWeight returns the config-file weight for a category.
func (w Weights) ConfigFileWeight(category string) float64 {
	if isServiceCategory(category) {
		return w.ServiceConfigFile
	}
	return w.ConfigFile
}

// KeywordWeight returns the keyword weight for a category.
func (w Weights) KeywordWeight(category string) float64 {
	switch category {
	case "messaging", "service_mesh", "caching":
		return w.ServiceKeyword
	}
	return w.Keyword
}

func isServiceCategory(category string) bool {
	switch category {
	case "messaging", "service_mesh", "caching", "monitoring":
		return true
	}
	return false
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sum adds up evidence weights.
func Sum(evidence []detection.Evidence) float64 {
	var total float64
	for _, e := range evidence {
		total += e.Weight
	}
	return total
}

// Aggregate sums contributions, clamps to [0, 0.95], then applies the learned
// adjustment and clamps again.
func Aggregate(contributions []float64, adjustment float64) float64 {
	return aggregate(contributions, adjustment, MaxBaseConfidence)
}

// AggregateConfirmed is Aggregate for results the knowledge store has
// confirmed; the ceiling is 1.0.
func AggregateConfirmed(contributions []float64, adjustment float64) float64 {
	return aggregate(contributions, adjustment, ConfirmedCeiling)
}

// AggregateEvidence is Aggregate over evidence weights.
func AggregateEvidence(evidence []detection.Evidence, adjustment float64, confirmed bool) float64 {
	ceiling := MaxBaseConfidence
	if confirmed {
		ceiling = ConfirmedCeiling
	}
	return aggregate([]float64{Sum(evidence)}, adjustment, ceiling)
}

func aggregate(contributions []float64, adjustment, ceiling float64) float64 {
	var total float64
	for _, c := range contributions {
		total += c
	}
	total = Clamp(total, 0, ceiling)
	return Clamp(total+adjustment, 0, ceiling)
}
