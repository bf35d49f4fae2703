package detectors

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/patternscan/internal/cascade"
	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/learning"
	"github.com/steveyegge/patternscan/internal/model"
	"github.com/steveyegge/patternscan/internal/registry"
)

func setupRepo(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/repo", 0o755))
	for name, content := range files {
		require.NoError(t, fs.MkdirAll(path.Dir("/repo/"+name), 0o755))
		require.NoError(t, afero.WriteFile(fs, "/repo/"+name, []byte(content), 0o644))
	}
	return fs
}

func byName(results []detection.DetectionResult, name string) (detection.DetectionResult, bool) {
	for _, r := range results {
		if r.Name == name {
			return r, true
		}
	}
	return detection.DetectionResult{}, false
}

func everything() detection.Options {
	return detection.Options{MinConfidence: 0}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		analysis Analysis
		want     Architecture
	}{
		{"three services with compose", Analysis{Services: []string{"a", "b", "c"}, DeploymentConfigs: []string{"docker-compose.yml"}}, Microservices},
		{"three services without deployment", Analysis{Services: []string{"a", "b", "c"}}, Unknown},
		{"single service", Analysis{Services: []string{"."}}, Monolithic},
		{"single service with shared libs", Analysis{Services: []string{"."}, SharedMarkers: []string{"libs"}}, Unknown},
		{"workspace with shared code", Analysis{Services: []string{"packages/a", "packages/b"}, SharedMarkers: []string{"packages"}}, ModularMonolith},
		{"api calls only", Analysis{APICommunication: true}, Distributed},
		{"nothing", Analysis{}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.analysis))
		})
	}
}

func TestAnalysisConfidence(t *testing.T) {
	assert.Equal(t, 0.5, Analysis{}.Confidence())
	assert.InDelta(t, 0.6, Analysis{Services: []string{"."}}.Confidence(), 1e-9)
	full := Analysis{
		Services:          []string{"a", "b", "c"},
		SharedMarkers:     []string{"libs"},
		DeploymentConfigs: []string{"k8s"},
		APICommunication:  true,
	}
	assert.Equal(t, 0.95, full.Confidence())
}

func TestArchitectureMicroservices(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"services/users/go.mod":       "module users\n",
		"services/users/main.go":      "package main\n",
		"services/orders/Cargo.toml":  "[package]\nname = \"orders\"\n",
		"services/billing/app.py":     "print('hi')\n",
		"docker-compose.yml":          "services:\n  users:\n    build: services/users\n  orders:\n    build: services/orders\n",
		"services/orders/src/main.rs": "fn main() {}\n",
	})
	d := NewArchitectureDetector(Deps{Fs: fs})

	results, err := d.Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)

	arch, ok := byName(results, string(Microservices))
	require.True(t, ok)
	assert.Equal(t, TypeServiceArchitecture, arch.PatternType)
	assert.Equal(t, 3, arch.Metadata["service_count"])
	assert.Equal(t, []string{"orders", "users"}, arch.Metadata["compose_services"])
	assert.InDelta(t, 0.85, arch.Confidence, 1e-9)

	_, ok = byName(results, "Service Decomposition")
	assert.True(t, ok)
}

func TestArchitectureModularMonolith(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"packages/a/Cargo.toml":   "[package]\nname = \"a\"\n",
		"packages/b/package.json": `{"name":"b"}`,
		"docker-compose.yml":      "services: {}\n",
	})
	results, err := NewArchitectureDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)

	arch, ok := byName(results, string(ModularMonolith))
	require.True(t, ok)
	assert.Equal(t, 2, arch.Metadata["service_count"])
	assert.Equal(t, true, arch.Metadata["shared_dependencies"])

	_, ok = byName(results, "Shared Libraries")
	assert.True(t, ok)
}

func TestArchitectureSingleCrateIsMonolithic(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"Cargo.toml": "[package]\nname = \"lib\"\n",
		"src/lib.rs": "pub fn hello() {}\n",
	})
	results, err := NewArchitectureDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)

	arch, ok := byName(results, string(Monolithic))
	require.True(t, ok)
	assert.Equal(t, 1, arch.Metadata["service_count"])
	assert.Equal(t, false, arch.Metadata["shared_dependencies"])
}

func TestArchitectureAPICommunication(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"proto/orders.proto": "syntax = \"proto3\";\n",
		"README":             "docs",
	})
	results, err := NewArchitectureDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)

	_, ok := byName(results, string(Distributed))
	assert.True(t, ok)
	api, ok := byName(results, "API Communication")
	require.True(t, ok)
	assert.Equal(t, CategoryArchitecture, api.PatternType)
}

func TestInfrastructureDetector(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"redis.conf":            "port 6379\n",
		"deploy/prometheus.yml": "scrape_configs: []\n",
	})
	results, err := NewInfrastructureDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", detection.DefaultOptions())
	require.NoError(t, err)

	var redisDB, prom bool
	for _, r := range results {
		switch {
		case r.Name == "Redis" && r.PatternType == "database":
			redisDB = true
			assert.GreaterOrEqual(t, r.Confidence, 0.4)
		case r.Name == "Prometheus":
			prom = true
			assert.Equal(t, []string{"deploy/prometheus.yml"}, r.Metadata[detection.MetaConfigFiles])
		}
		assert.Contains(t, InfrastructureCategories, r.PatternType)
	}
	assert.False(t, redisDB, "database Redis at 0.4 is below the default threshold")
	assert.True(t, prom)

	results, err = NewInfrastructureDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", detection.Options{MinConfidence: 0.4})
	require.NoError(t, err)
	for _, r := range results {
		if r.Name == "Redis" && r.PatternType == "database" {
			redisDB = true
		}
	}
	assert.True(t, redisDB)
}

func TestFrameworkDetector(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"package.json": `{"dependencies":{"react":"^18.0.0","express":"^4.18.0"}}`,
	})
	results, err := NewFrameworkDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", detection.DefaultOptions())
	require.NoError(t, err)

	react, ok := byName(results, "React")
	require.True(t, ok)
	assert.Equal(t, "web_ui_framework", react.PatternType)
	assert.Equal(t, 0.95, react.Confidence)

	express, ok := byName(results, "Express")
	require.True(t, ok)
	assert.InDelta(t, 0.9, express.Confidence, 1e-9)
	assert.Equal(t, "React", results[0].Name)
}

func TestTechnologyDetector(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"go.mod":         "module example.com/app\n\ngo 1.22\n",
		"main.go":        "package main\n",
		"internal/a.go":  "package internal\n",
		"internal/b.go":  "package internal\n",
		"Dockerfile":     "FROM scratch\n",
		"scripts/run.sh": "#!/bin/sh\n",
	})
	results, err := NewTechnologyDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)

	goLang, ok := byName(results, "Go")
	require.True(t, ok)
	assert.Equal(t, TypeProgrammingLanguage, goLang.PatternType)
	assert.Equal(t, 3, goLang.Metadata["file_count"])
	assert.Equal(t, 0.6, goLang.Confidence)

	mods, ok := byName(results, "Go Modules")
	require.True(t, ok)
	assert.Equal(t, "build_system", mods.PatternType)

	docker, ok := byName(results, "Docker")
	require.True(t, ok)
	assert.Equal(t, "containerization", docker.PatternType)
}

func TestLanguageConfidence(t *testing.T) {
	assert.Equal(t, 0.6, LanguageConfidence(5))
	assert.Equal(t, 0.8, LanguageConfidence(6))
	assert.Equal(t, 0.9, LanguageConfidence(100))
	assert.Equal(t, 0.95, LanguageConfidence(101))
}

func TestLayeredDetectorHonoursCategories(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"redis.conf": "port 6379\n",
		"Dockerfile": "FROM scratch\n",
	})
	d := NewLayeredDetector(Deps{Fs: fs})

	results, err := d.Detect(context.Background(), "/repo", detection.Options{MinConfidence: 0.4, Categories: []string{"containerization"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Docker", results[0].Name)
}

func TestMissingRootIsAnError(t *testing.T) {
	d := NewInfrastructureDetector(Deps{Fs: afero.NewMemMapFs()})
	_, err := d.Detect(context.Background(), "/nowhere", everything())
	require.Error(t, err)
	assert.True(t, errors.Is(err, detection.ErrRootNotFound))
}

func TestEmptyRepoYieldsNoInfrastructure(t *testing.T) {
	fs := setupRepo(t, map[string]string{"README": "just words"})
	results, err := NewInfrastructureDetector(Deps{Fs: fs}).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func openStore(t *testing.T) *knowledge.SQLiteStore {
	t.Helper()
	store, err := knowledge.OpenSQLite(filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func confirmations(t *testing.T, store *knowledge.SQLiteStore, category, name string) int {
	t.Helper()
	resp, err := store.Query(context.Background(), knowledge.TopicCrossRefQuery, map[string]any{"pattern_type": category, "name": name}, 0)
	require.NoError(t, err)
	var xref knowledge.CrossReference
	_, err = resp.DecodeData(&xref)
	require.NoError(t, err)
	return xref.Confirmations
}

func TestConfidentResultsAreReported(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"package.json": `{"dependencies":{"react":"^18.0.0"}}`,
		"redis.conf":   "port 6379\n",
	})
	store := openStore(t)
	reg := registry.NewWithBuiltins()
	ch := learning.New(store, reg, learning.Config{RatePerSecond: 1000})

	deps := Deps{Fs: fs, Registry: reg, Learning: ch, ReportThreshold: 0.8}
	_, err := NewFrameworkDetector(deps).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)
	_, err = NewInfrastructureDetector(deps).Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)
	require.NoError(t, ch.Close(context.Background()))

	assert.Equal(t, 1, confirmations(t, store, "web_ui_framework", "React"))
	assert.Zero(t, confirmations(t, store, "database", "Redis"), "0.4 is below the report threshold")
	assert.InDelta(t, 0.01, reg.Adjustment(registry.ID("web_ui_framework", "React")), 1e-9)
}

func TestEngineDetectAllAndLearnAll(t *testing.T) {
	fs := setupRepo(t, map[string]string{
		"Cargo.toml":  "[package]\nname = \"svc\"\n\n[dependencies]\naxum = \"0.7\"\ntokio = \"1\"\n",
		"src/main.rs": "fn main() {}\n",
	})
	store := openStore(t)
	reg := registry.NewWithBuiltins()
	ch := learning.New(store, reg, learning.Config{RatePerSecond: 1000})
	engine := NewStandardEngine(Deps{Fs: fs, Registry: reg, Learning: ch})
	defer engine.Close(context.Background())

	assert.Equal(t, []string{TypeServiceArchitecture, TypeInfrastructure, TypeFramework, TypeTechnology, TypeLayered}, engine.Types())

	all, err := engine.DetectAll(context.Background(), "/repo", []string{TypeFramework, TypeServiceArchitecture}, detection.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, ok := byName(all[TypeFramework], "Axum")
	assert.True(t, ok)
	_, ok = byName(all[TypeServiceArchitecture], string(Monolithic))
	assert.True(t, ok)

	require.NoError(t, engine.LearnAll(context.Background(), map[string][]detection.DetectionResult{
		TypeFramework: all[TypeFramework],
	}))
	assert.Equal(t, 1, confirmations(t, store, "web_server_framework", "Axum"))

	_, err = engine.DetectAll(context.Background(), "/repo", []string{"astrology"}, everything())
	assert.True(t, errors.Is(err, detection.ErrInvalidConfiguration))
}

func TestLearnPatternWithoutChannel(t *testing.T) {
	d := NewFrameworkDetector(Deps{Fs: afero.NewMemMapFs()})
	err := d.LearnPattern(context.Background(), detection.NewResult("React", "web_ui_framework", 0.95, detection.LevelFileExistence))
	assert.True(t, errors.Is(err, detection.ErrKnowledgeStoreUnavailable))
}

type failingInferer struct{}

func (failingInferer) Infer(context.Context, model.Request) (*model.Response, error) {
	return nil, errors.New("model offline")
}

func TestTechnologyDetectorKeepsUndeterminedTooling(t *testing.T) {
	fs := setupRepo(t, map[string]string{"main.go": "package main\n"})
	reg := registry.New()
	require.NoError(t, reg.Register(registry.PatternDefinition{
		Name:     "Bazel",
		Category: "build_system",
		Signals:  []registry.Signal{{Kind: registry.SignalFile, Value: "WORKSPACE.bazel"}},
	}))
	d := NewTechnologyDetector(Deps{Fs: fs, Registry: reg, Cascade: cascade.New(cascade.Config{Inferer: failingInferer{}})})

	results, err := d.Detect(context.Background(), "/repo", everything())
	require.NoError(t, err)
	bazel, ok := byName(results, "Bazel")
	require.True(t, ok, "undetermined tooling should be reported at min confidence 0")
	assert.Equal(t, detection.StatusUnknown, bazel.Metadata[detection.MetaStatus])

	results, err = d.Detect(context.Background(), "/repo", detection.DefaultOptions())
	require.NoError(t, err)
	_, ok = byName(results, "Bazel")
	assert.False(t, ok)
}
