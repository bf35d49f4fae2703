package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/patternscan/internal/detection"
)

// ResilientConfig configures a Resilient client.
type ResilientConfig struct {
	Timeout          time.Duration // per query (default: 3000ms)
	PublishTimeout   time.Duration // per publish (default: Timeout)
	FailureThreshold int           // failures before the circuit opens (default: 3)
	SuccessThreshold int           // half-open successes before it closes (default: 1)
	OpenTimeout      time.Duration // how long the circuit stays open (default: 30s)
}

// DefaultResilientConfig returns the default configuration.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout:          DefaultTimeout,
		PublishTimeout:   DefaultTimeout,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
	}
}

// Resilient wraps a Client with per-call timeouts and a circuit breaker.
// Queries never fail: an unreachable store yields a Degraded response.
// Publishes report failure as an ErrKnowledgeStoreUnavailable error.
type Resilient struct {
	next    Client
	cfg     ResilientConfig
	breaker *CircuitBreaker
}

// NewResilient wraps next.
func NewResilient(next Client, cfg ResilientConfig) *Resilient {
	def := DefaultResilientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = cfg.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Resilient{
		next:    next,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout),
	}
}

// Breaker exposes the circuit breaker for inspection.
func (r *Resilient) Breaker() *CircuitBreaker {
	return r.breaker
}

// Query implements Client. timeout <= 0 uses the configured default.
func (r *Resilient) Query(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	if err := r.breaker.Allow(); err != nil {
		return Degraded(err.Error()), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := r.call(callCtx, func(ctx context.Context) (Response, error) {
		return r.next.Query(ctx, topic, payload, timeout)
	})
	if err != nil {
		r.breaker.RecordFailure()
		slog.Warn("Knowledge store query failed, continuing in degraded mode", "topic", topic, "error", err)
		return Degraded(err.Error()), nil
	}
	r.breaker.RecordSuccess()
	if resp == nil {
		return OK(nil), nil
	}
	return resp, nil
}

// Publish implements Client.
func (r *Resilient) Publish(ctx context.Context, topic string, payload map[string]any) error {
	if err := r.breaker.Allow(); err != nil {
		return detection.Wrap(detection.ErrKnowledgeStoreUnavailable, "publish "+topic, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	_, err := r.call(callCtx, func(ctx context.Context) (Response, error) {
		return nil, r.next.Publish(ctx, topic, payload)
	})
	if err != nil {
		r.breaker.RecordFailure()
		return detection.Wrap(detection.ErrKnowledgeStoreUnavailable, "publish "+topic, err)
	}
	r.breaker.RecordSuccess()
	return nil
}

// call runs fn and gives up when ctx expires even if fn ignores ctx.
func (r *Resilient) call(ctx context.Context, fn func(context.Context) (Response, error)) (Response, error) {
	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("knowledge client panic: %v", p)}
			}
		}()
		resp, err := fn(ctx)
		done <- result{resp, err}
	}()

	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out: %w", ctx.Err())
		}
		return nil, ctx.Err()
	}
}
