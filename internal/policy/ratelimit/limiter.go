// Package ratelimit throttles outbound API calls with one token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/vine-crawler/internal/metrics"
)

// reportAfter is the shortest wait recorded as a rate-limit delay.
const reportAfter = time.Millisecond

// Config sets the bucket applied to every host.
type Config struct {
	// DefaultRPS is the sustained request rate. Zero or negative disables limiting.
	DefaultRPS float64
	// DefaultBurst is the bucket size. Values below 1 are raised to 1.
	DefaultBurst int
}

// Limiter hands out request tokens per host. It is safe for concurrent use by the jobs of a
// worker batch.
type Limiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		limit: rate.Inf,
		burst: max(cfg.DefaultBurst, 1),
		hosts: make(map[string]*rate.Limiter),
	}
	if cfg.DefaultRPS > 0 {
		l.limit = rate.Limit(cfg.DefaultRPS)
	}
	return l
}

// Wait blocks until the host of rawURL has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeHost(rawURL)
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > reportAfter {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.hosts[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.hosts[host] = b
	}
	return b
}
