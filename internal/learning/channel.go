// Package learning publishes confirmed detections to the knowledge store and
// feeds the store's answers back into the pattern registry.
package learning

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/registry"
)

var errNoClient = errors.New("no knowledge client configured")

// Config configures a Channel.
type Config struct {
	InstanceID    string        // identifies this engine in published records (default: random UUID)
	Step          float64       // adjustment applied per successful publish (default: 0.01)
	Buffer        int           // queued reports before new ones are dropped (default: 64)
	RatePerSecond float64       // publish rate limit (default: 10)
	QueryTimeout  time.Duration // rules query timeout (default: knowledge.DefaultTimeout)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Step:          0.01,
		Buffer:        64,
		RatePerSecond: 10,
		QueryTimeout:  knowledge.DefaultTimeout,
	}
}

// Stats counts channel activity.
type Stats struct {
	Published int64
	Failed    int64
	Dropped   int64
}

// Channel is the learning feedback loop. Reports are fire-and-forget: they
// are queued and published by a background worker, and a scan never waits on
// or fails because of them.
type Channel struct {
	client   knowledge.Client
	registry *registry.Registry
	cfg      Config
	limiter  *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan detection.DetectionResult
	done   chan struct{}

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New starts a channel. A nil client yields a channel that accepts reports
// and discards them.
func New(client knowledge.Client, reg *registry.Registry, cfg Config) *Channel {
	def := DefaultConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Step == 0 {
		cfg.Step = def.Step
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	c := &Channel{
		client:   client,
		registry: reg,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		queue:    make(chan detection.DetectionResult, cfg.Buffer),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// InstanceID returns the identifier attached to published records.
func (c *Channel) InstanceID() string {
	return c.cfg.InstanceID
}

// Enabled reports whether a knowledge client is attached.
func (c *Channel) Enabled() bool {
	return c.client != nil
}

// Report queues result for publication without blocking.
func (c *Channel) Report(result detection.DetectionResult) {
	if c.client == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.queue <- result:
	default:
		c.dropped.Add(1)
		slog.Warn("Learning queue full, dropping report", "pattern", result.Name, "pattern_type", result.PatternType)
	}
}

// Learn publishes result synchronously and, on success, nudges the pattern's
// learned adjustment. The error is informational; callers on the scan path
// should log it and continue.
func (c *Channel) Learn(ctx context.Context, result detection.DetectionResult) error {
	if c.client == nil {
		return detection.Wrap(detection.ErrKnowledgeStoreUnavailable, "learn", errNoClient)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.client.Publish(ctx, knowledge.TopicDetectionPublish, c.payload(result)); err != nil {
		c.failed.Add(1)
		return err
	}
	c.published.Add(1)
	if c.registry != nil {
		if adj, ok := c.registry.ApplyLearnedAdjustment(registry.ID(result.PatternType, result.Name), c.cfg.Step); ok {
			slog.Debug("Learned adjustment applied", "pattern", result.Name, "pattern_type", result.PatternType, "adjustment", adj)
		}
	}
	return nil
}

func (c *Channel) payload(r detection.DetectionResult) map[string]any {
	meta := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"pattern_type": r.PatternType,
		"pattern_name": r.Name,
		"confidence":   r.Confidence,
		"metadata":     meta,
		"instance_id":  c.cfg.InstanceID,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
}

func (c *Channel) run() {
	defer close(c.done)
	for result := range c.queue {
		if err := c.Learn(context.Background(), result); err != nil {
			slog.Warn("Failed to publish detection", "pattern", result.Name, "pattern_type", result.PatternType, "error", err)
		}
	}
}

// LoadPatterns fetches pattern definitions from the store. It is best-effort:
// a degraded or unreachable store yields nil.
func (c *Channel) LoadPatterns(ctx context.Context) []registry.PatternDefinition {
	if c.client == nil {
		return nil
	}
	resp, err := c.client.Query(ctx, knowledge.TopicRulesQuery, map[string]any{"instance_id": c.cfg.InstanceID}, c.cfg.QueryTimeout)
	if err != nil {
		slog.Warn("Pattern rules query failed, using built-in patterns", "error", err)
		return nil
	}
	if resp.IsDegraded() {
		slog.Warn("Knowledge store degraded, using built-in patterns", "reason", resp.Reason())
		return nil
	}
	var defs []registry.PatternDefinition
	if _, err := resp.DecodeData(&defs); err != nil {
		slog.Warn("Malformed pattern rules from knowledge store", "error", err)
		return nil
	}
	return defs
}

// Hydrate merges the store's pattern definitions into the registry.
func (c *Channel) Hydrate(ctx context.Context) (added, updated int) {
	defs := c.LoadPatterns(ctx)
	if len(defs) == 0 || c.registry == nil {
		return 0, 0
	}
	added, updated = c.registry.Merge(defs, registry.SourceRemote)
	slog.Info("Hydrated patterns from knowledge store", "added", added, "updated", updated)
	return added, updated
}

// Stats returns activity counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Published: c.published.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Close stops accepting reports and waits for queued ones to be published,
// or for ctx to expire.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
