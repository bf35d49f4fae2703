package cascade

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/model"
	"github.com/steveyegge/patternscan/internal/registry"
	"github.com/steveyegge/patternscan/internal/source"
)

func openTree(t *testing.T, files map[string]string) *source.Tree {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/repo", 0o755))
	for name, content := range files {
		require.NoError(t, fs.MkdirAll(path.Dir("/repo/"+name), 0o755))
		require.NoError(t, afero.WriteFile(fs, "/repo/"+name, []byte(content), 0o644))
	}
	tree, err := source.Open(fs, "/repo", source.Options{})
	require.NoError(t, err)
	return tree
}

func allOptions() detection.Options {
	return detection.Options{MinConfidence: 0}
}

// fakeLevel resolves a fixed set of targets and records what it was given.
type fakeLevel struct {
	level   detection.Level
	resolve map[string]float64
	err     error
	panics  bool
	hook    func()

	mu   sync.Mutex
	seen [][]string
}

func (f *fakeLevel) Level() detection.Level { return f.level }

func (f *fakeLevel) Detect(_ context.Context, _ *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	f.mu.Lock()
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.ID)
	}
	f.seen = append(f.seen, ids)
	f.mu.Unlock()

	if f.hook != nil {
		f.hook()
	}
	if f.panics {
		panic("parser exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []detection.DetectionResult
	for _, t := range targets {
		if conf, ok := f.resolve[t.ID]; ok {
			r := detection.NewResult(t.Pattern, t.Category, conf, f.level)
			r.TargetID = t.ID
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLevel) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

// spyLevel records the targets a real level receives.
type spyLevel struct {
	LevelDetector
	mu   sync.Mutex
	seen []string
}

func (s *spyLevel) Detect(ctx context.Context, scan *Scan, targets []detection.Target) ([]detection.DetectionResult, error) {
	s.mu.Lock()
	for _, t := range targets {
		s.seen = append(s.seen, t.ID)
	}
	s.mu.Unlock()
	return s.LevelDetector.Detect(ctx, scan, targets)
}

func targets(ids ...string) []detection.Target {
	out := make([]detection.Target, 0, len(ids))
	for _, id := range ids {
		cat, name := registry.SplitID(id)
		out = append(out, detection.Target{ID: id, Category: cat, Pattern: name})
	}
	return out
}

func emptyScan(t *testing.T) *Scan {
	return NewScan(openTree(t, map[string]string{"README": "hello"}), registry.New(), nil)
}

func TestResolvedTargetsAreNotReevaluated(t *testing.T) {
	l1 := &fakeLevel{level: detection.LevelFileExistence, resolve: map[string]float64{"db/a": 0.9}}
	l2 := &fakeLevel{level: detection.LevelPatternMatch, resolve: map[string]float64{"db/b": 0.6}}
	l3 := &fakeLevel{level: detection.LevelAstAnalysis}

	o := NewOrchestrator(l3, l1, l2)
	results, stats := o.Run(context.Background(), emptyScan(t), targets("db/a", "db/b", "db/c"), allOptions())

	assert.Equal(t, [][]string{{"db/a", "db/b", "db/c"}}, l1.calls())
	assert.Equal(t, [][]string{{"db/b", "db/c"}}, l2.calls())
	assert.Equal(t, [][]string{{"db/c"}}, l3.calls())

	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, "b", results[1].Name)

	require.Len(t, stats.Levels, 3)
	assert.Equal(t, 1, stats.Levels[0].Resolved)
	assert.Equal(t, 1, stats.Levels[2].Evaluated)
}

func TestCascadeStopsWhenAllResolved(t *testing.T) {
	l1 := &fakeLevel{level: detection.LevelFileExistence, resolve: map[string]float64{"db/a": 0.9, "db/b": 0.8}}
	l2 := &fakeLevel{level: detection.LevelPatternMatch}
	l5 := &fakeLevel{level: detection.LevelModelFallback}

	results, stats := NewOrchestrator(l1, l2, l5).Run(context.Background(), emptyScan(t), targets("db/a", "db/b"), allOptions())
	assert.Len(t, results, 2)
	assert.Empty(t, l2.calls())
	assert.Empty(t, l5.calls())
	assert.Equal(t, "all targets resolved", stats.Stopped)
}

func TestLevelFailuresCountAsNoResults(t *testing.T) {
	l1 := &fakeLevel{level: detection.LevelFileExistence, err: errors.New("disk on fire")}
	l2 := &fakeLevel{level: detection.LevelPatternMatch, panics: true}
	l3 := &fakeLevel{level: detection.LevelAstAnalysis, resolve: map[string]float64{"db/a": 0.7}}

	results, stats := NewOrchestrator(l1, l2, l3).Run(context.Background(), emptyScan(t), targets("db/a"), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, detection.LevelAstAnalysis, results[0].Level)
	assert.Contains(t, stats.Levels[0].Err, "disk on fire")
	assert.Contains(t, stats.Levels[1].Err, "panicked")
}

func TestDeadlineStopsLaterLevels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l1 := &fakeLevel{level: detection.LevelFileExistence, resolve: map[string]float64{"db/a": 0.9}, hook: cancel}
	l2 := &fakeLevel{level: detection.LevelPatternMatch, resolve: map[string]float64{"db/b": 0.9}}

	results, stats := NewOrchestrator(l1, l2).Run(ctx, emptyScan(t), targets("db/a", "db/b"), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Name)
	assert.Empty(t, l2.calls())
	assert.Contains(t, stats.Stopped, "deadline")
}

func TestMaxLevelAndCategoryFilter(t *testing.T) {
	l1 := &fakeLevel{level: detection.LevelFileExistence}
	l2 := &fakeLevel{level: detection.LevelPatternMatch, resolve: map[string]float64{"db/a": 0.9}}

	opts := allOptions()
	opts.MaxLevel = detection.LevelFileExistence
	opts.Categories = []string{"db"}

	results, stats := NewOrchestrator(l1, l2).Run(context.Background(), emptyScan(t), targets("db/a", "cache/b"), opts)
	assert.Empty(t, results)
	assert.Equal(t, [][]string{{"db/a"}}, l1.calls())
	assert.Empty(t, l2.calls())
	assert.True(t, stats.Levels[1].Skipped)
}

func TestRunFiltersAndTruncates(t *testing.T) {
	l1 := &fakeLevel{level: detection.LevelFileExistence, resolve: map[string]float64{
		"db/a": 0.3, "db/b": 0.9, "db/c": 0.6, "db/d": 0.7,
	}}
	o := NewOrchestrator(l1)
	ids := targets("db/a", "db/b", "db/c", "db/d")

	prev := len(ids) + 1
	for _, threshold := range []float64{0, 0.5, 0.65, 0.8, 0.95} {
		results, _ := o.Run(context.Background(), emptyScan(t), ids, detection.Options{MinConfidence: threshold})
		assert.LessOrEqual(t, len(results), prev, "threshold %.2f", threshold)
		prev = len(results)
	}

	results, _ := o.Run(context.Background(), emptyScan(t), ids, detection.Options{MinConfidence: 0.5, MaxResults: 2})
	require.Len(t, results, 2)
	assert.Equal(t, []string{"b", "d"}, []string{results[0].Name, results[1].Name})
}

func TestRedisConfigResolvedAtFileExistence(t *testing.T) {
	tree := openTree(t, map[string]string{"redis.conf": "port 6379\n"})
	reg := registry.NewWithBuiltins()
	scan := NewScan(tree, reg, nil)

	levels := Levels(Config{})
	spies := make([]*spyLevel, len(levels))
	wrapped := make([]LevelDetector, len(levels))
	for i, l := range levels {
		spies[i] = &spyLevel{LevelDetector: l}
		wrapped[i] = spies[i]
	}

	results, _ := NewOrchestrator(wrapped...).Run(context.Background(), scan,
		TargetsFor(reg.AllForCategory("database")), detection.Options{MinConfidence: 0.4})

	var redis *detection.DetectionResult
	for i := range results {
		if results[i].Name == "Redis" {
			redis = &results[i]
		}
	}
	require.NotNil(t, redis)
	assert.Equal(t, detection.LevelFileExistence, redis.Level)
	assert.GreaterOrEqual(t, redis.Confidence, 0.4)
	assert.Equal(t, []string{"redis.conf"}, redis.Metadata[detection.MetaConfigFiles])

	for _, spy := range spies[1:] {
		assert.NotContains(t, spy.seen, "database/Redis")
	}
}

func TestTargetWithoutEvidenceIsAbsent(t *testing.T) {
	tree := openTree(t, map[string]string{"README": "nothing to see"})
	reg := registry.NewWithBuiltins()
	results, _ := New(Config{}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	assert.Empty(t, results)
}

func customRegistry(t *testing.T, defs ...registry.PatternDefinition) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	return reg
}

func TestPatternMatchUsesMatchedFraction(t *testing.T) {
	reg := customRegistry(t, registry.PatternDefinition{
		Name:       "Widget",
		Category:   "messaging",
		BaseWeight: 0.6,
		Signals: []registry.Signal{
			{Kind: registry.SignalKeyword, Value: "Widget"},
			{Kind: registry.SignalRegex, Value: `gizmo\.(publish|subscribe)`},
		},
	})
	tree := openTree(t, map[string]string{"app/main.py": "import widget\n"})

	results, _ := New(Config{}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, detection.LevelPatternMatch, results[0].Level)
	assert.InDelta(t, 0.6, results[0].Confidence, 1e-9, "base weight floors a passing ratio")
}

func TestBuiltinPatternResolvesOnPartialKeywordMatch(t *testing.T) {
	reg := registry.NewWithBuiltins()
	tree := openTree(t, map[string]string{
		"app.env": "DATABASE_URL=postgres://db:5432/app\n",
		"db.py":   "import mysql.connector\n",
	})

	results, stats := New(Config{}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.AllForCategory("database")), allOptions())

	names := map[string]detection.DetectionResult{}
	for _, r := range results {
		names[r.Name] = r
	}
	for _, name := range []string{"PostgreSQL", "MySQL"} {
		r, ok := names[name]
		require.True(t, ok, "%s missing from %+v", name, results)
		assert.Equal(t, detection.LevelPatternMatch, r.Level)
		assert.InDelta(t, 0.5, r.Confidence, 1e-9)
	}
	assert.Equal(t, 2, stats.Levels[1].Resolved)
}

func TestMatchContribution(t *testing.T) {
	tests := []struct {
		matched, total int
		base           float64
		want           float64
	}{
		{1, 2, 0.3, 0.5},
		{2, 2, 0.3, 1.0},
		{1, 3, 0.3, 1.0 / 3},
		{1, 3, 0.5, 0.5},
		{1, 4, 0.3, 0.075},
		{3, 10, 0.4, 0.12},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, matchContribution(tt.matched, tt.total, tt.base), 1e-9, "%d/%d base %v", tt.matched, tt.total, tt.base)
	}
}

func TestWeakKeywordEvidenceIsKeptButNotAccepted(t *testing.T) {
	reg := customRegistry(t, registry.PatternDefinition{
		Name:     "Widget",
		Category: "database",
		Signals: []registry.Signal{
			{Kind: registry.SignalKeyword, Value: "widget"},
			{Kind: registry.SignalKeyword, Value: "sprocket"},
			{Kind: registry.SignalKeyword, Value: "flange"},
			{Kind: registry.SignalKeyword, Value: "grommet"},
		},
	})
	tree := openTree(t, map[string]string{"main.py": "widget.run()\n"})
	scan := NewScan(tree, reg, nil)

	results, _ := New(Config{}).Run(context.Background(), scan, TargetsFor(reg.All()), allOptions())
	assert.Empty(t, results)
	evidence := scan.Evidence("database/Widget")
	require.Len(t, evidence, 1)
	assert.InDelta(t, 0.075, evidence[0].Weight, 1e-9)
}

func TestAstLevelMatchesImportsAndCalls(t *testing.T) {
	reg := customRegistry(t, registry.PatternDefinition{
		Name:     "NATS",
		Category: "messaging",
		Signals: []registry.Signal{
			{Kind: registry.SignalImport, Value: "github.com/nats-io/nats.go"},
			{Kind: registry.SignalCall, Value: "nats.Connect"},
		},
	})
	tree := openTree(t, map[string]string{"main.go": `package main

import "github.com/nats-io/nats.go"

func main() {
	nc, _ := nats.Connect(nats.DefaultURL)
	defer nc.Close()
}
`})

	results, _ := New(Config{}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, detection.LevelAstAnalysis, results[0].Level)
	assert.InDelta(t, 0.4, results[0].Confidence, 1e-9)
}

func TestConfidenceIsClamped(t *testing.T) {
	reg := customRegistry(t, registry.PatternDefinition{
		Name:     "Everything",
		Category: "monitoring",
		Signals: []registry.Signal{
			{Kind: registry.SignalFile, Value: "a.yml"},
			{Kind: registry.SignalFile, Value: "b.yml"},
			{Kind: registry.SignalFile, Value: "c.yml"},
		},
	})
	tree := openTree(t, map[string]string{"a.yml": "", "b.yml": "", "c.yml": ""})
	_, ok := reg.ApplyLearnedAdjustment(registry.ID("monitoring", "Everything"), 0.2)
	require.True(t, ok)

	results, _ := New(Config{}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, 0.95, results[0].Confidence)
}

func TestKnowledgeCorroborationConfirmsPartialEvidence(t *testing.T) {
	store, err := knowledge.OpenSQLite(filepath.Join(t.TempDir(), "k.db"))
	require.NoError(t, err)
	defer store.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Publish(context.Background(), knowledge.TopicDetectionPublish, map[string]any{
			"pattern_type": "messaging",
			"pattern_name": "Widget",
			"confidence":   0.9,
			"instance_id":  "peer",
		}))
	}

	reg := customRegistry(t, registry.PatternDefinition{
		Name:       "Widget",
		Category:   "messaging",
		BaseWeight: 1,
		Signals: []registry.Signal{
			{Kind: registry.SignalKeyword, Value: "widget"},
			{Kind: registry.SignalKeyword, Value: "sprocket"},
			{Kind: registry.SignalKeyword, Value: "flange"},
			{Kind: registry.SignalKeyword, Value: "grommet"},
		},
	})
	tree := openTree(t, map[string]string{"main.py": "widget.run()\n"})

	results, _ := New(Config{Knowledge: store}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, detection.LevelKnowledgeCrossReference, results[0].Level)
	assert.InDelta(t, 0.5, results[0].Confidence, 1e-9)
	assert.Equal(t, true, results[0].Metadata[detection.MetaConfirmed])
}

type slowClient struct{}

func (slowClient) Query(ctx context.Context, _ string, _ map[string]any, _ time.Duration) (knowledge.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowClient) Publish(ctx context.Context, _ string, _ map[string]any) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestUnresponsiveStoreDegradesSilently(t *testing.T) {
	client := knowledge.NewResilient(slowClient{}, knowledge.ResilientConfig{Timeout: 20 * time.Millisecond})
	reg := registry.NewWithBuiltins()
	tree := openTree(t, map[string]string{
		"redis.conf": "port 6379",
		"go.mod":     "module example.com/app\n\ngo 1.22\n\nrequire github.com/lib/pq v1.10.9\n",
		"main.go":    "package main\n\nimport _ \"github.com/lib/pq\"\n\nfunc main() {}\n",
	})

	results, stats := New(Config{Knowledge: client}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), detection.Options{MinConfidence: 0.3})
	assert.NotEmpty(t, results)
	for _, r := range results {
		assert.Less(t, r.Level, detection.LevelKnowledgeCrossReference)
	}
	for _, ls := range stats.Levels {
		assert.Empty(t, ls.Err)
	}
}

type fakeInferer struct {
	text string
	err  error

	mu    sync.Mutex
	calls int
	last  model.Request
}

func (f *fakeInferer) Infer(_ context.Context, req model.Request) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Text: f.text}, nil
}

func modelRegistry(t *testing.T) *registry.Registry {
	return customRegistry(t,
		registry.PatternDefinition{Name: "Zookeeper", Category: "service_mesh", Signals: []registry.Signal{{Kind: registry.SignalKeyword, Value: "zookeeper-quorum"}}},
		registry.PatternDefinition{Name: "Etcd", Category: "service_mesh", Signals: []registry.Signal{{Kind: registry.SignalKeyword, Value: "etcd-cluster"}}},
	)
}

func TestModelFallbackBandsConfidence(t *testing.T) {
	inf := &fakeInferer{text: "```json\n" + `{"answers":[
		{"id":"service_mesh/Zookeeper","detected":true,"confidence":0.9,"reasoning":"zk client in build files"},
		{"id":"service_mesh/Etcd","detected":false,"confidence":0.1,"reasoning":"no sign"}
	]}` + "\n```"}
	reg := modelRegistry(t)
	tree := openTree(t, map[string]string{"README": "plain"})

	results, _ := New(Config{Inferer: inf}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	require.Len(t, results, 1)
	assert.Equal(t, "Zookeeper", results[0].Name)
	assert.Equal(t, 0.4, results[0].Confidence)
	assert.Equal(t, "zk client in build files", results[0].Metadata[detection.MetaReasoning])
	assert.Equal(t, 1, inf.calls)
	assert.Contains(t, inf.last.Prompt, "[service_mesh/Etcd]")
}

func TestModelFailureYieldsUnknownPlaceholders(t *testing.T) {
	inf := &fakeInferer{err: errors.New("rate limited")}
	reg := modelRegistry(t)
	tree := openTree(t, map[string]string{"README": "plain"})

	results, _ := New(Config{Inferer: inf}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, ModelMinConfidence, r.Confidence)
		assert.Equal(t, detection.StatusUnknown, r.Metadata[detection.MetaStatus])
		assert.Contains(t, r.Metadata[detection.MetaReasoning], "rate limited")
	}

	filtered, _ := New(Config{Inferer: inf}).Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), detection.DefaultOptions())
	assert.Empty(t, filtered)
}

func TestRunIsIdempotent(t *testing.T) {
	reg := registry.NewWithBuiltins()
	tree := openTree(t, map[string]string{
		"docker-compose.yml": "services:\n  mq:\n    image: rabbitmq:3\n",
		"Dockerfile":         "FROM golang:1.22\n",
		"prometheus.yml":     "scrape_configs: []\n",
	})
	o := New(Config{})
	first, _ := o.Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	second, _ := o.Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

type blockingInferer struct{}

func (blockingInferer) Infer(ctx context.Context, _ model.Request) (*model.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestModelCallsAreBounded(t *testing.T) {
	levels := Levels(Config{Inferer: blockingInferer{}, Knowledge: slowClient{}})
	var ml *ModelLevel
	for _, l := range levels {
		switch l := l.(type) {
		case *ModelLevel:
			ml = l
		case *KnowledgeLevel:
			assert.Equal(t, knowledge.DefaultTimeout, l.Timeout)
		}
	}
	require.NotNil(t, ml)
	assert.Equal(t, model.DefaultTimeout, ml.Timeout)

	reg := modelRegistry(t)
	tree := openTree(t, map[string]string{"README": "plain"})
	o := New(Config{Inferer: blockingInferer{}, ModelTimeout: 20 * time.Millisecond})

	start := time.Now()
	results, _ := o.Run(context.Background(), NewScan(tree, reg, nil), TargetsFor(reg.All()), allOptions())
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, detection.StatusUnknown, r.Metadata[detection.MetaStatus])
	}
}
