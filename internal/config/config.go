// Package config loads the engine configuration from .patternscan/config.yaml
// with PATTERNSCAN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/patternscan/internal/cascade"
	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/model"
	"github.com/steveyegge/patternscan/internal/scoring"
	"github.com/steveyegge/patternscan/internal/source"
)

const (
	// Dir is the project-local configuration directory.
	Dir = ".patternscan"
	// FileName is the configuration file inside Dir.
	FileName = "config.yaml"
	// EnvPrefix prefixes environment overrides: PATTERNSCAN_MIN_CONFIDENCE,
	// PATTERNSCAN_KNOWLEDGE_ADDRESS and so on.
	EnvPrefix = "PATTERNSCAN"
)

// Preset selects how deep the cascade goes.
type Preset string

const (
	PresetQuick    Preset = "quick"    // file existence and pattern matching
	PresetStandard Preset = "standard" // adds structural analysis and the knowledge store
	PresetThorough Preset = "thorough" // adds model fallback
	PresetCustom   Preset = "custom"
)

// Config is the resolved engine configuration.
type Config struct {
	Preset Preset

	MinConfidence float64
	MaxResults    int             // 0 means unlimited
	MaxLevel      detection.Level // deepest level run; 0 means all
	Categories    []string        // empty means all
	ExcludePaths  []string        // added to the built-in excludes
	MaxFileSize   int64
	Concurrency   int           // per-level fan-out
	Timeout       time.Duration // whole-scan deadline; 0 means none

	Thresholds cascade.Thresholds
	Weights    scoring.Weights

	Knowledge KnowledgeConfig
	Model     ModelConfig
	Learning  LearningConfig
}

// KnowledgeConfig locates the knowledge store. Address wins over DBPath;
// with neither the knowledge level is disabled.
type KnowledgeConfig struct {
	Address string
	DBPath  string
	Timeout time.Duration
}

// ModelConfig configures model fallback.
type ModelConfig struct {
	Enabled       bool
	Name          string
	Timeout       time.Duration
	MaxConcurrent int
	MaxTokens     int
}

// LearningConfig configures the learning feedback channel.
type LearningConfig struct {
	Enabled         bool
	ReportThreshold float64
	Step            float64
	RatePerSecond   float64
	Buffer          int
}

// DefaultConfig returns the standard preset.
func DefaultConfig() *Config {
	return &Config{
		Preset:        PresetStandard,
		MinConfidence: 0.5,
		MaxLevel:      detection.LevelKnowledgeCrossReference,
		MaxFileSize:   source.DefaultMaxFileSize,
		Concurrency:   cascade.DefaultConcurrency,
		Thresholds:    cascade.DefaultThresholds(),
		Weights:       scoring.DefaultWeights(),
		Knowledge: KnowledgeConfig{
			DBPath:  filepath.Join(Dir, "knowledge.db"),
			Timeout: 3 * time.Second,
		},
		Model: ModelConfig{
			Timeout:       model.DefaultTimeout,
			MaxConcurrent: 2,
			MaxTokens:     2048,
		},
		Learning: LearningConfig{
			Enabled:         true,
			ReportThreshold: 0.8,
			Step:            0.01,
			RatePerSecond:   10,
			Buffer:          64,
		},
	}
}

// PresetConfig returns the configuration for a preset. Unknown presets get
// the standard configuration.
func PresetConfig(preset Preset) *Config {
	cfg := DefaultConfig()
	switch preset {
	case PresetQuick:
		cfg.Preset = preset
		cfg.MaxLevel = detection.LevelPatternMatch
		cfg.Learning.Enabled = false
	case PresetThorough:
		cfg.Preset = preset
		cfg.MaxLevel = detection.LevelModelFallback
		cfg.Model.Enabled = true
	case PresetCustom:
		cfg.Preset = preset
	}
	return cfg
}

// File is the on-disk form of Config. Durations are strings like "3s",
// "1m" or "7d".
type File struct {
	Preset string `yaml:"preset" mapstructure:"preset" validate:"omitempty,oneof=quick standard thorough custom"`

	MinConfidence float64  `yaml:"min_confidence" mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	MaxResults    int      `yaml:"max_results" mapstructure:"max_results" validate:"gte=0"`
	MaxLevel      int      `yaml:"max_level" mapstructure:"max_level" validate:"gte=0,lte=5"`
	Categories    []string `yaml:"categories,omitempty" mapstructure:"categories" validate:"dive,required"`
	ExcludePaths  []string `yaml:"exclude_paths,omitempty" mapstructure:"exclude_paths"`
	MaxFileSize   int64    `yaml:"max_file_size" mapstructure:"max_file_size" validate:"gte=0"`
	Concurrency   int      `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0,lte=256"`
	Timeout       string   `yaml:"timeout,omitempty" mapstructure:"timeout"`

	Thresholds cascade.Thresholds `yaml:"thresholds" mapstructure:"thresholds"`
	Weights    scoring.Weights    `yaml:"weights" mapstructure:"weights"`

	Knowledge KnowledgeFile `yaml:"knowledge" mapstructure:"knowledge"`
	Model     ModelFile     `yaml:"model" mapstructure:"model"`
	Learning  LearningFile  `yaml:"learning" mapstructure:"learning"`
}

// KnowledgeFile is the knowledge section of the config file.
type KnowledgeFile struct {
	Address string `yaml:"address,omitempty" mapstructure:"address" validate:"omitempty,hostname_port"`
	DBPath  string `yaml:"db_path,omitempty" mapstructure:"db_path"`
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
}

// ModelFile is the model section of the config file.
type ModelFile struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Name          string `yaml:"name,omitempty" mapstructure:"name"`
	Timeout       string `yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=0"`
	MaxTokens     int    `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=0"`
}

// LearningFile is the learning section of the config file.
type LearningFile struct {
	Enabled         bool    `yaml:"enabled" mapstructure:"enabled"`
	ReportThreshold float64 `yaml:"report_threshold" mapstructure:"report_threshold" validate:"gte=0,lte=1"`
	Step            float64 `yaml:"step" mapstructure:"step" validate:"gte=0,lte=0.1"`
	RatePerSecond   float64 `yaml:"rate_per_second" mapstructure:"rate_per_second" validate:"gte=0"`
	Buffer          int     `yaml:"buffer" mapstructure:"buffer" validate:"gte=0"`
}

var validate = validator.New()

// Path returns the config file path for a project.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, Dir, FileName)
}

// Load reads the project's config file, layered over its preset, with
// environment overrides on top. A missing file yields the preset defaults.
func Load(projectRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := Path(projectRoot)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", detection.ErrInvalidConfiguration, path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking config file: %w", err)
	}

	// The preset decides the defaults every other key falls back to.
	preset := PresetConfig(Preset(v.GetString("preset")))
	setDefaults(v, ToFile(preset))

	var file File
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("%w: decoding config: %v", detection.ErrInvalidConfiguration, err)
	}
	return file.ToConfig()
}

func setDefaults(v *viper.Viper, f File) {
	v.SetDefault("preset", f.Preset)
	v.SetDefault("min_confidence", f.MinConfidence)
	v.SetDefault("max_results", f.MaxResults)
	v.SetDefault("max_level", f.MaxLevel)
	v.SetDefault("categories", f.Categories)
	v.SetDefault("exclude_paths", f.ExcludePaths)
	v.SetDefault("max_file_size", f.MaxFileSize)
	v.SetDefault("concurrency", f.Concurrency)
	v.SetDefault("timeout", f.Timeout)

	v.SetDefault("thresholds.file_existence", f.Thresholds.FileExistence)
	v.SetDefault("thresholds.pattern_match", f.Thresholds.PatternMatch)
	v.SetDefault("thresholds.ast_analysis", f.Thresholds.AstAnalysis)
	v.SetDefault("thresholds.knowledge_cross_reference", f.Thresholds.KnowledgeCrossReference)

	v.SetDefault("weights.config_file", f.Weights.ConfigFile)
	v.SetDefault("weights.keyword", f.Weights.Keyword)
	v.SetDefault("weights.structural", f.Weights.Structural)
	v.SetDefault("weights.compliance", f.Weights.Compliance)
	v.SetDefault("weights.knowledge_corroboration", f.Weights.KnowledgeCorroboration)
	v.SetDefault("weights.service_config_file", f.Weights.ServiceConfigFile)
	v.SetDefault("weights.service_keyword", f.Weights.ServiceKeyword)

	v.SetDefault("knowledge.address", f.Knowledge.Address)
	v.SetDefault("knowledge.db_path", f.Knowledge.DBPath)
	v.SetDefault("knowledge.timeout", f.Knowledge.Timeout)

	v.SetDefault("model.enabled", f.Model.Enabled)
	v.SetDefault("model.name", f.Model.Name)
	v.SetDefault("model.timeout", f.Model.Timeout)
	v.SetDefault("model.max_concurrent", f.Model.MaxConcurrent)
	v.SetDefault("model.max_tokens", f.Model.MaxTokens)

	v.SetDefault("learning.enabled", f.Learning.Enabled)
	v.SetDefault("learning.report_threshold", f.Learning.ReportThreshold)
	v.SetDefault("learning.step", f.Learning.Step)
	v.SetDefault("learning.rate_per_second", f.Learning.RatePerSecond)
	v.SetDefault("learning.buffer", f.Learning.Buffer)
}

// Validate checks value ranges, including the nested threshold and weight
// tables.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", detection.ErrInvalidConfiguration, err)
	}
	unit := map[string]float64{
		"thresholds.file_existence":            f.Thresholds.FileExistence,
		"thresholds.pattern_match":             f.Thresholds.PatternMatch,
		"thresholds.ast_analysis":              f.Thresholds.AstAnalysis,
		"thresholds.knowledge_cross_reference": f.Thresholds.KnowledgeCrossReference,
		"weights.config_file":                  f.Weights.ConfigFile,
		"weights.keyword":                      f.Weights.Keyword,
		"weights.structural":                   f.Weights.Structural,
		"weights.compliance":                   f.Weights.Compliance,
		"weights.knowledge_corroboration":      f.Weights.KnowledgeCorroboration,
		"weights.service_config_file":          f.Weights.ServiceConfigFile,
		"weights.service_keyword":              f.Weights.ServiceKeyword,
	}
	for key, value := range unit {
		if err := validate.Var(value, "gte=0,lte=1"); err != nil {
			return fmt.Errorf("%w: %s must be within [0, 1], got %v", detection.ErrInvalidConfiguration, key, value)
		}
	}
	return nil
}

// ToConfig validates the file and converts it to a Config.
func (f *File) ToConfig() (*Config, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	cfg := PresetConfig(Preset(f.Preset))
	cfg.MinConfidence = f.MinConfidence
	cfg.MaxResults = f.MaxResults
	cfg.MaxLevel = detection.Level(f.MaxLevel)
	cfg.Categories = f.Categories
	cfg.ExcludePaths = f.ExcludePaths
	cfg.MaxFileSize = f.MaxFileSize
	cfg.Concurrency = f.Concurrency
	cfg.Thresholds = f.Thresholds
	cfg.Weights = f.Weights

	var err error
	if cfg.Timeout, err = durationField("timeout", f.Timeout, 0); err != nil {
		return nil, err
	}

	cfg.Knowledge.Address = f.Knowledge.Address
	cfg.Knowledge.DBPath = f.Knowledge.DBPath
	if cfg.Knowledge.Timeout, err = durationField("knowledge.timeout", f.Knowledge.Timeout, cfg.Knowledge.Timeout); err != nil {
		return nil, err
	}

	cfg.Model.Enabled = f.Model.Enabled
	cfg.Model.Name = f.Model.Name
	cfg.Model.MaxConcurrent = f.Model.MaxConcurrent
	cfg.Model.MaxTokens = f.Model.MaxTokens
	if cfg.Model.Timeout, err = durationField("model.timeout", f.Model.Timeout, cfg.Model.Timeout); err != nil {
		return nil, err
	}

	cfg.Learning = LearningConfig(f.Learning)
	return cfg, nil
}

func durationField(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s: %v", detection.ErrInvalidConfiguration, key, err)
	}
	return d, nil
}

// ToFile converts a Config to its on-disk form.
func ToFile(cfg *Config) File {
	f := File{
		Preset:        string(cfg.Preset),
		MinConfidence: cfg.MinConfidence,
		MaxResults:    cfg.MaxResults,
		MaxLevel:      int(cfg.MaxLevel),
		Categories:    cfg.Categories,
		ExcludePaths:  cfg.ExcludePaths,
		MaxFileSize:   cfg.MaxFileSize,
		Concurrency:   cfg.Concurrency,
		Thresholds:    cfg.Thresholds,
		Weights:       cfg.Weights,
		Knowledge: KnowledgeFile{
			Address: cfg.Knowledge.Address,
			DBPath:  cfg.Knowledge.DBPath,
			Timeout: cfg.Knowledge.Timeout.String(),
		},
		Model: ModelFile{
			Enabled:       cfg.Model.Enabled,
			Name:          cfg.Model.Name,
			Timeout:       cfg.Model.Timeout.String(),
			MaxConcurrent: cfg.Model.MaxConcurrent,
			MaxTokens:     cfg.Model.MaxTokens,
		},
		Learning: LearningFile(cfg.Learning),
	}
	if cfg.Timeout > 0 {
		f.Timeout = cfg.Timeout.String()
	}
	return f
}

// Save writes cfg to the project's config file.
func Save(projectRoot string, cfg *Config) error {
	path := Path(projectRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", Dir, err)
	}

	file := ToFile(cfg)
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// parseDuration parses a duration string with support for a day suffix ("7d").
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var d int
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &d); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(d) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// ExampleConfigFile returns a commented config file for `config init`.
func ExampleConfigFile() string {
	return `# patternscan configuration
# Environment variables override any key: PATTERNSCAN_MIN_CONFIDENCE=0.7,
# PATTERNSCAN_KNOWLEDGE_ADDRESS=localhost:7420, PATTERNSCAN_MODEL_ENABLED=true.

# Preset: quick (levels 1-2), standard (1-4), thorough (1-5) or custom
preset: standard

# Results below this confidence are dropped
min_confidence: 0.5

# Maximum results per detector (0 = unlimited)
max_results: 0

# Deepest level to run (0 = all levels)
# 1=file existence 2=pattern match 3=ast analysis 4=knowledge 5=model
max_level: 4

# Only detect these registry categories (empty = all)
categories: []

# Extra paths to skip (in addition to .git, node_modules, vendor, target, ...)
exclude_paths:
  - "*.pb.go"

# Files larger than this are never read
max_file_size: 1048576

# Targets evaluated concurrently per level
concurrency: 8

# Whole-scan deadline (empty = none)
timeout: 2m

# Acceptance threshold per level
thresholds:
  file_existence: 0.4
  pattern_match: 0.3
  ast_analysis: 0.4
  knowledge_cross_reference: 0.5

# Evidence weights
weights:
  config_file: 0.4
  keyword: 0.3
  structural: 0.4
  compliance: 0.15
  knowledge_corroboration: 0.25
  service_config_file: 0.5
  service_keyword: 0.4

knowledge:
  # gRPC address of a shared store (wins over db_path)
  address: ""
  # Local SQLite store
  db_path: .patternscan/knowledge.db
  timeout: 3s

model:
  enabled: false
  name: ""
  timeout: 30s
  max_concurrent: 2
  max_tokens: 2048

learning:
  enabled: true
  # Results at or above this confidence are reported automatically
  report_threshold: 0.8
  step: 0.01
  rate_per_second: 10
  buffer: 64
`
}

// Options returns the detection options the config selects.
func (c *Config) Options() detection.Options {
	return detection.Options{
		MinConfidence: c.MinConfidence,
		MaxResults:    c.MaxResults,
		Categories:    c.Categories,
		MaxLevel:      c.MaxLevel,
	}
}

// SourceOptions returns the tree options the config selects.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		Exclude:     c.ExcludePaths,
		MaxFileSize: c.MaxFileSize,
	}
}
