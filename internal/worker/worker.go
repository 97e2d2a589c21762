// Package worker implements the crawl execution loop: lease jobs from the dispatcher, fetch
// them from the external API, and submit the results.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vine-crawler/internal/api"
	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/metrics"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = time.Second

// Dispatcher is the dispatcher API as seen by a worker. *api.Client implements it.
type Dispatcher interface {
	JobCount(ctx context.Context) (int, error)
	ListJobs(ctx context.Context, count int) ([]crawler.Job, error)
	CompleteJobs(ctx context.Context, c crawler.Completion) (crawler.CompletionResult, error)
}

// Resolver finds the current dispatcher address. *directory.Client implements it.
type Resolver interface {
	WaitForAddress(ctx context.Context, interval time.Duration) (string, error)
}

// Connector builds a Dispatcher for a resolved address.
type Connector func(address string) Dispatcher

// Config controls Worker behavior.
type Config struct {
	// ID labels logs and metrics. It should survive restarts so metric series do not pile up;
	// the host name is used when empty.
	ID string
	// PollInterval paces directory lookups and job-count polling.
	PollInterval time.Duration
	// Concurrency bounds parallel job executions within a batch. Zero means unbounded.
	Concurrency int
	Profiler    ProfilerConfig
}

// Worker repeatedly leases a batch of jobs, executes it and reports the results.
type Worker struct {
	resolver Resolver
	connect  Connector
	client   crawler.APIClient
	profiler *Profiler
	cfg      Config
	logger   *zap.Logger

	dispatcher Dispatcher
	address    string
}

// New constructs a Worker.
func New(resolver Resolver, connect Connector, apiClient crawler.APIClient, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		resolver: resolver,
		connect:  connect,
		client:   apiClient,
		profiler: NewProfiler(cfg.Profiler),
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", cfg.ID)),
	}
}

// DefaultID returns the host name, or "worker" when it cannot be read.
func DefaultID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker"
}

// ID returns the label used for this worker's logs and metrics.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// BatchSize returns the number of jobs requested per cycle.
func (w *Worker) BatchSize() int {
	return w.profiler.BatchSize()
}

// Run blocks, executing cycles until the context finishes. Errors are logged and the loop
// continues; a transport error drops the dispatcher so its address is resolved again.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", zap.Int("batch_size", w.profiler.BatchSize()))
	for ctx.Err() == nil {
		if w.dispatcher == nil {
			if err := w.resolve(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				w.logger.Warn("resolve dispatcher failed", zap.Error(err))
				w.sleep(ctx)
				continue
			}
		}
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("cycle failed", zap.String("dispatcher", w.address), zap.Error(err))
			if api.IsTransportError(err) {
				w.dispatcher = nil
			}
			w.sleep(ctx)
		}
	}
	w.logger.Info("worker stopped")
}

// RunOnce performs one cycle against the current dispatcher: wait until enough jobs are
// available, lease them, execute them and submit the results.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.dispatcher == nil {
		return fmt.Errorf("no dispatcher resolved")
	}
	size := w.profiler.BatchSize()
	metrics.SetWorkerBatchSize(w.cfg.ID, size)

	if err := w.waitForJobs(ctx, size); err != nil {
		return err
	}
	jobs, err := w.dispatcher.ListJobs(ctx, size)
	if err != nil {
		return fmt.Errorf("lease jobs: %w", err)
	}
	if len(jobs) == 0 {
		// The count said jobs were ready but none could be leased; back off before polling again.
		w.logger.Debug("lease returned no jobs", zap.Int("requested", size))
		w.sleep(ctx)
		return ctx.Err()
	}

	start := time.Now()
	completion := w.execute(ctx, jobs)
	res, err := w.dispatcher.CompleteJobs(ctx, completion)
	if err != nil {
		return fmt.Errorf("complete jobs: %w", err)
	}
	elapsed := time.Since(start)
	metrics.ObserveWorkerCycle(w.cfg.ID, elapsed)
	next := w.profiler.Observe(elapsed)

	fields := []zap.Field{
		zap.Int("leased", len(jobs)),
		zap.Int("records", len(completion.Data)),
		zap.Int("acked", len(completion.Jobs)),
		zap.Duration("elapsed", elapsed),
		zap.Int("next_batch_size", next),
	}
	if !res.OK {
		w.logger.Warn("dispatcher failed to store some records", fields...)
		return nil
	}
	w.logger.Info("batch completed", fields...)
	return nil
}

func (w *Worker) resolve(ctx context.Context) error {
	addr, err := w.resolver.WaitForAddress(ctx, w.cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("wait for address: %w", err)
	}
	w.address = addr
	w.dispatcher = w.connect(addr)
	w.logger.Info("dispatcher resolved", zap.String("address", addr))
	return nil
}

// waitForJobs polls the job count every PollInterval until at least n jobs are available.
func (w *Worker) waitForJobs(ctx context.Context, n int) error {
	for {
		count, err := w.dispatcher.JobCount(ctx)
		if err != nil {
			return fmt.Errorf("poll job count: %w", err)
		}
		if count >= n {
			return nil
		}
		if !w.sleep(ctx) {
			return ctx.Err()
		}
	}
}

type result struct {
	records []json.RawMessage
	ok      bool
}

// execute runs every job concurrently and flattens the records in lease order. Jobs that
// fail are neither reported nor acknowledged, so their lease times out and they are retried.
func (w *Worker) execute(ctx context.Context, jobs []crawler.Job) crawler.Completion {
	results := make([]result, len(jobs))
	var g errgroup.Group
	if w.cfg.Concurrency > 0 {
		g.SetLimit(w.cfg.Concurrency)
	}
	for i, job := range jobs {
		g.Go(func() error {
			records, err := w.executeJob(ctx, job)
			if err != nil {
				w.logger.Warn("job failed", zap.String("uid", job.UID()), zap.Error(err))
				return nil
			}
			results[i] = result{records: records, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	completion := crawler.Completion{Data: []json.RawMessage{}}
	for i, r := range results {
		if !r.ok {
			continue
		}
		completion.Data = append(completion.Data, r.records...)
		completion.Jobs = append(completion.Jobs, jobs[i].Data)
	}
	return completion
}

func (w *Worker) executeJob(ctx context.Context, job crawler.Job) ([]json.RawMessage, error) {
	switch job.Type() {
	case crawler.JobTypeUser:
		profile, err := w.client.FetchProfile(ctx, job.ID())
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(profile)
		if err != nil {
			return nil, fmt.Errorf("encode profile: %w", err)
		}
		return []json.RawMessage{raw}, nil
	case crawler.JobTypeVine:
		vines, err := w.client.FetchTimeline(ctx, job.ID())
		if err != nil {
			return nil, err
		}
		out := make([]json.RawMessage, 0, len(vines))
		for _, v := range vines {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode vine: %w", err)
			}
			out = append(out, raw)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown job type %d", int(job.Type()))
	}
}

// sleep waits one poll interval and reports false if ctx finished first.
func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
