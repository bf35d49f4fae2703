package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/patternscan/internal/detection"
)

func TestAggregateClamps(t *testing.T) {
	tests := []struct {
		name          string
		contributions []float64
		adjustment    float64
		want          float64
	}{
		{"empty", nil, 0, 0},
		{"single config file", []float64{0.4}, 0, 0.4},
		{"config plus keyword", []float64{0.4, 0.3}, 0, 0.7},
		{"saturates at ceiling", []float64{0.4, 0.4, 0.3}, 0, 0.95},
		{"adjustment cannot exceed ceiling", []float64{0.9}, 0.2, 0.95},
		{"negative adjustment floors at zero", []float64{0.1}, -0.5, 0},
		{"adjustment applies after clamp", []float64{2.0}, -0.05, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Aggregate(tt.contributions, tt.adjustment), 1e-9)
		})
	}
}

func TestAggregateConfirmedCeiling(t *testing.T) {
	assert.InDelta(t, 1.0, AggregateConfirmed([]float64{0.8, 0.5}, 0), 1e-9)
	assert.InDelta(t, 0.95, Aggregate([]float64{0.8, 0.5}, 0), 1e-9)
}

func TestAggregateEvidence(t *testing.T) {
	ev := []detection.Evidence{
		{Kind: detection.EvidenceFileExistence, Weight: 0.4},
		{Kind: detection.EvidenceKeyword, Weight: 0.3},
	}
	assert.InDelta(t, 0.71, AggregateEvidence(ev, 0.01, false), 1e-9)
	assert.InDelta(t, 0.7, Sum(ev), 1e-9)
}

func TestWeightsPerCategory(t *testing.T) {
	w := DefaultWeights()
	assert.Equal(t, 0.4, w.ConfigFileWeight("database"))
	assert.Equal(t, 0.5, w.ConfigFileWeight("messaging"))
	assert.Equal(t, 0.5, w.ConfigFileWeight("monitoring"))
	assert.Equal(t, 0.3, w.KeywordWeight("database"))
	assert.Equal(t, 0.4, w.KeywordWeight("caching"))
	assert.Equal(t, 0.3, w.KeywordWeight("monitoring"))

	merged := w.Merge(Weights{Keyword: 0.25})
	assert.Equal(t, 0.25, merged.Keyword)
	assert.Equal(t, 0.4, merged.ConfigFile)
}
