package worker

import (
	"sync"
	"time"
)

// Profiler defaults.
const (
	DefaultThreshold    = 5 * time.Second
	DefaultWindow       = 25
	DefaultLookback     = 5
	DefaultPromoteRatio = 0.85
	DefaultInitialBatch = 1
)

// ProfilerConfig tunes adaptive batch sizing.
type ProfilerConfig struct {
	// Threshold is the cycle duration below which a cycle counts as fast.
	Threshold time.Duration
	// Window is the number of observations after which history is cleared.
	Window int
	// Lookback is the number of recent observations inspected for promotion.
	Lookback int
	// PromoteRatio is the fraction of fast cycles in the lookback that grows the batch.
	PromoteRatio float64
	// InitialBatch is the starting batch size.
	InitialBatch int
	// MaxBatch caps the batch size. Zero means unbounded.
	MaxBatch int
}

func (c ProfilerConfig) withDefaults() ProfilerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.PromoteRatio <= 0 || c.PromoteRatio > 1 {
		c.PromoteRatio = DefaultPromoteRatio
	}
	if c.InitialBatch <= 0 {
		c.InitialBatch = DefaultInitialBatch
	}
	return c
}

// Profiler grows the batch size while cycles stay fast. The batch never shrinks.
type Profiler struct {
	mu     sync.Mutex
	cfg    ProfilerConfig
	batch  int
	fast   []bool
	checks int
}

// NewProfiler creates a Profiler starting at cfg.InitialBatch.
func NewProfiler(cfg ProfilerConfig) *Profiler {
	cfg = cfg.withDefaults()
	return &Profiler{cfg: cfg, batch: cfg.InitialBatch}
}

// BatchSize returns the current batch size.
func (p *Profiler) BatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batch
}

// Observe records one cycle duration and returns the batch size to use next.
//
// Once at least Lookback observations exist and the fast fraction of the most recent Lookback
// reaches PromoteRatio, the batch grows by one and the history is cleared. Every Window
// observations the history is cleared regardless.
func (p *Profiler) Observe(d time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fast = append(p.fast, d < p.cfg.Threshold)
	p.checks++

	if n := len(p.fast); n >= p.cfg.Lookback {
		below := 0
		for _, f := range p.fast[n-p.cfg.Lookback:] {
			if f {
				below++
			}
		}
		if float64(below)/float64(p.cfg.Lookback) >= p.cfg.PromoteRatio {
			if p.cfg.MaxBatch <= 0 || p.batch < p.cfg.MaxBatch {
				p.batch++
			}
			p.fast = p.fast[:0]
		}
	}
	if p.checks%p.cfg.Window == 0 {
		p.fast = p.fast[:0]
	}
	return p.batch
}
