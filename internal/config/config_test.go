package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/patternscan/internal/detection"
)

func writeConfig(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, Dir), 0755))
	require.NoError(t, os.WriteFile(Path(root), []byte(content), 0644))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	want := DefaultConfig()
	assert.Equal(t, want.Preset, cfg.Preset)
	assert.Equal(t, 0.5, cfg.MinConfidence)
	assert.Equal(t, detection.LevelKnowledgeCrossReference, cfg.MaxLevel)
	assert.Equal(t, want.Thresholds, cfg.Thresholds)
	assert.Equal(t, want.Weights, cfg.Weights)
	assert.Equal(t, 3*time.Second, cfg.Knowledge.Timeout)
	assert.True(t, cfg.Learning.Enabled)
	assert.False(t, cfg.Model.Enabled)
}

func TestPresetConfig(t *testing.T) {
	tests := []struct {
		preset   Preset
		maxLevel detection.Level
		model    bool
		learning bool
	}{
		{PresetQuick, detection.LevelPatternMatch, false, false},
		{PresetStandard, detection.LevelKnowledgeCrossReference, false, true},
		{PresetThorough, detection.LevelModelFallback, true, true},
		{"bogus", detection.LevelKnowledgeCrossReference, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.preset), func(t *testing.T) {
			cfg := PresetConfig(tt.preset)
			assert.Equal(t, tt.maxLevel, cfg.MaxLevel)
			assert.Equal(t, tt.model, cfg.Model.Enabled)
			assert.Equal(t, tt.learning, cfg.Learning.Enabled)
		})
	}
}

func TestLoadFileOverridesPreset(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
preset: quick
min_confidence: 0.7
categories: [database, caching]
thresholds:
  pattern_match: 0.35
knowledge:
  timeout: 1d
`)

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, PresetQuick, cfg.Preset)
	assert.Equal(t, detection.LevelPatternMatch, cfg.MaxLevel, "unset keys come from the preset")
	assert.Equal(t, 0.7, cfg.MinConfidence)
	assert.Equal(t, []string{"database", "caching"}, cfg.Categories)
	assert.Equal(t, 0.35, cfg.Thresholds.PatternMatch)
	assert.Equal(t, 0.4, cfg.Thresholds.FileExistence)
	assert.Equal(t, 24*time.Hour, cfg.Knowledge.Timeout)
	assert.False(t, cfg.Learning.Enabled)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "min_confidence: 0.7\n")
	t.Setenv("PATTERNSCAN_MIN_CONFIDENCE", "0.9")
	t.Setenv("PATTERNSCAN_KNOWLEDGE_ADDRESS", "localhost:7420")
	t.Setenv("PATTERNSCAN_PRESET", "thorough")

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.MinConfidence)
	assert.Equal(t, "localhost:7420", cfg.Knowledge.Address)
	assert.Equal(t, PresetThorough, cfg.Preset)
	assert.True(t, cfg.Model.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"preset":         "preset: extreme\n",
		"min confidence": "min_confidence: 1.5\n",
		"max level":      "max_level: 9\n",
		"threshold":      "thresholds:\n  ast_analysis: 2\n",
		"weight":         "weights:\n  keyword: -0.1\n",
		"duration":       "timeout: soon\n",
		"address":        "knowledge:\n  address: not an address\n",
		"yaml":           "min_confidence: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeConfig(t, root, content)

			_, err := Load(root)
			require.Error(t, err)
			assert.ErrorIs(t, err, detection.ErrInvalidConfiguration)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	root := t.TempDir()
	cfg := PresetConfig(PresetThorough)
	cfg.MinConfidence = 0.6
	cfg.Categories = []string{"monitoring"}
	cfg.ExcludePaths = []string{"fixtures/"}
	cfg.Timeout = 90 * time.Second
	cfg.Model.Name = "claude-test"

	require.NoError(t, Save(root, cfg))
	loaded, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, cfg, loaded)
}

func TestExampleConfigFileLoads(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, ExampleConfigFile())

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, PresetStandard, cfg.Preset)
	assert.Equal(t, DefaultConfig().Weights, cfg.Weights)
	assert.Equal(t, DefaultConfig().Thresholds, cfg.Thresholds)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, []string{"*.pb.go"}, cfg.ExcludePaths)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"xd", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResults = 10
	cfg.Categories = []string{"database"}
	cfg.ExcludePaths = []string{"fixtures/"}

	opts := cfg.Options()
	assert.Equal(t, 0.5, opts.MinConfidence)
	assert.Equal(t, 10, opts.MaxResults)
	assert.Equal(t, detection.LevelKnowledgeCrossReference, opts.MaxLevel)
	assert.True(t, opts.AllowsCategory("database"))
	assert.False(t, opts.AllowsCategory("caching"))

	src := cfg.SourceOptions()
	assert.Equal(t, []string{"fixtures/"}, src.Exclude)
	assert.Equal(t, cfg.MaxFileSize, src.MaxFileSize)
}
