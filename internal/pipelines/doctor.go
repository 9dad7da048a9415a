package pipelines

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 5 * time.Minute

// CachedDoctor caches worker capability probes. Concurrent callers that miss
// the cache share one probe.
type CachedDoctor struct {
	runner Runner
	ttl    time.Duration
	logger *slog.Logger
	probes singleflight.Group

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(runner Runner, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDoctor{
		runner: runner,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns the cached capabilities while they are younger than the TTL.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	if caps := d.Peek(); caps != nil && time.Since(caps.ProbedAt) < d.ttl {
		return caps, nil
	}
	return d.Refresh(ctx)
}

// Peek returns the last probe result without probing. It may be nil.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh probes the workers. When the probe fails and an earlier result
// exists, that result is returned instead of the error.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	v, err, shared := d.probes.Do("doctor", func() (any, error) {
		caps, err := d.runner.RunDoctor(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cached = caps
		d.mu.Unlock()
		return caps, nil
	})
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		if stale := d.Peek(); stale != nil {
			d.logger.Info("returning stale capabilities cache", "probed_at", stale.ProbedAt)
			return stale, nil
		}
		return nil, err
	}
	if shared {
		d.logger.Debug("joined in-flight doctor probe")
	}
	return v.(*Capabilities), nil
}

// Invalidate clears the cached capabilities.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
