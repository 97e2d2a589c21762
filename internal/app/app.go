// Package app initializes and holds long-lived application services, acting as a dependency
// injection container for the dispatcher, worker and directory commands.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/vine-crawler/internal/api"
	"github.com/JakeFAU/vine-crawler/internal/clock/system"
	"github.com/JakeFAU/vine-crawler/internal/config"
	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/directory"
	"github.com/JakeFAU/vine-crawler/internal/dispatcher"
	"github.com/JakeFAU/vine-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/vine-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/vine-crawler/internal/storage/gcs"
	"github.com/JakeFAU/vine-crawler/internal/storage/local"
	"github.com/JakeFAU/vine-crawler/internal/storage/memory"
	"github.com/JakeFAU/vine-crawler/internal/storage/postgres"
	"github.com/JakeFAU/vine-crawler/internal/vine"
	"github.com/JakeFAU/vine-crawler/internal/worker"
)

// App holds the shared, long-lived services for one command. Services are built on first use
// and released by Close in reverse order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	mu      sync.Mutex
	pool    *pgxpool.Pool
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New creates an App for cfg. No connections are opened until a service is requested.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Close releases every service opened by the App.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
}

func (a *App) onClose(name string, fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
	a.mu.Unlock()
}

func (a *App) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, closer{name: "postgres", fn: func() error {
		pool.Close()
		return nil
	}})
	return pool, nil
}

// RecordStore builds the configured record store.
func (a *App) RecordStore(ctx context.Context) (crawler.RecordStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory record store; records are lost on exit")
		return memory.NewRecordStore(), nil
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}
		a.logger.Info("using postgres record store", zap.String("table", a.cfg.DB.RecordsTable))
		return postgres.NewRecordStore(pool, a.cfg.DB.RecordsTable)
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.onClose("gcs", store.Close)
		a.logger.Info("using gcs record store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

// DoneLog builds the configured done-set log.
func (a *App) DoneLog(ctx context.Context) (crawler.DoneLog, error) {
	switch a.cfg.Storage.DoneLog {
	case config.BackendMemory:
		return memory.NewDoneLog(), nil
	case config.BackendFile:
		return local.NewDoneLog(local.Config{BaseDir: a.cfg.Queue.OverflowDir})
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, fmt.Errorf("done log: %w", err)
		}
		return postgres.NewDoneStore(pool, a.cfg.DB.DoneTable)
	default:
		return nil, fmt.Errorf("unknown done log backend %q", a.cfg.Storage.DoneLog)
	}
}

// Overflow builds the spill target for Idle jobs: a file under queue.overflow_dir, or memory
// when no directory is configured.
func (a *App) Overflow() (crawler.Overflow, error) {
	if a.cfg.Queue.OverflowDir == "" {
		return memory.NewOverflow(), nil
	}
	o, err := local.NewOverflow(local.Config{BaseDir: a.cfg.Queue.OverflowDir})
	if err != nil {
		return nil, fmt.Errorf("open overflow: %w", err)
	}
	if n := o.Len(); n > 0 {
		a.logger.Info("found spilled jobs from a previous run", zap.Int("jobs", n), zap.String("path", o.Path()))
	}
	return o, nil
}

// Publisher returns the Pub/Sub publisher, or nil when pubsub.project_id is unset.
func (a *App) Publisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return nil, nil
	}
	p, err := pubsubpublisher.New(ctx, pubsubpublisher.Config{
		ProjectID:    a.cfg.PubSub.ProjectID,
		DefaultTopic: a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, err
	}
	a.onClose("pubsub", p.Close)
	return p, nil
}

// Dispatcher assembles a dispatcher from the configured stores.
func (a *App) Dispatcher(ctx context.Context) (*dispatcher.Dispatcher, error) {
	records, err := a.RecordStore(ctx)
	if err != nil {
		return nil, err
	}
	doneLog, err := a.DoneLog(ctx)
	if err != nil {
		return nil, err
	}
	overflow, err := a.Overflow()
	if err != nil {
		return nil, err
	}
	publisher, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	q := a.cfg.Queue
	jobs := memory.NewJobStore(memory.JobStoreConfig{
		RAMCeiling:    q.RAMCeiling,
		LowWater:      q.LowWater,
		HighWater:     q.HighWater,
		FailThreshold: q.FailThreshold,
		Overflow:      overflow,
		Logger:        a.logger.Named("jobstore"),
	})
	d := dispatcher.New(jobs, records, doneLog, publisher, system.New(), dispatcher.Config{
		LeaseTimeout:   q.LeaseTimeout,
		MaxLeaseBatch:  q.MaxLeaseBatch,
		PutConcurrency: q.PutConcurrency,
		Topic:          a.cfg.PubSub.TopicName,
		IOTimeout:      a.cfg.HTTPTimeout(),
	}, a.logger.Named("dispatcher"))
	a.onClose("dispatcher", func() error {
		d.Shutdown()
		return nil
	})
	return d, nil
}

// APIServer builds the dispatcher HTTP surface.
func (a *App) APIServer(d *dispatcher.Dispatcher) *api.Server {
	return api.NewServer(d, api.ServerConfig{
		MaxLeaseBatch:  a.cfg.Queue.MaxLeaseBatch,
		RequestTimeout: 2 * a.cfg.HTTPTimeout(),
		APIKey:         a.cfg.Server.APIKey,
	}, a.logger.Named("api"))
}

// DirectoryStore builds the configured address store.
func (a *App) DirectoryStore(ctx context.Context) (directory.Store, error) {
	switch a.cfg.Directory.Backend {
	case config.BackendMemory:
		return directory.NewMemoryStore(), nil
	case config.BackendNATS:
		s, err := directory.DialNATS(ctx, directory.NATSConfig{
			URL:    a.cfg.Directory.NATSURL,
			Bucket: a.cfg.Directory.NATSBucket,
			Key:    a.cfg.Directory.NATSKey,
		})
		if err != nil {
			return nil, err
		}
		a.onClose("nats", func() error {
			s.Close()
			return nil
		})
		return s, nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", a.cfg.Directory.Backend)
	}
}

// DirectoryClient returns a client for the configured directory URL.
func (a *App) DirectoryClient() *directory.Client {
	return directory.NewClient(a.cfg.Directory.URL, &http.Client{Timeout: a.cfg.HTTPTimeout()})
}

// Worker assembles a worker that resolves the dispatcher through the directory.
func (a *App) Worker() *worker.Worker {
	timeout := a.cfg.HTTPTimeout()
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Vine.RPS, DefaultBurst: a.cfg.Vine.Burst})
	vineClient := vine.New(vine.Config{
		BaseURL:    a.cfg.Vine.BaseURL,
		SessionKey: a.cfg.Vine.SessionKey,
		PageSize:   a.cfg.Vine.PageSize,
		Timeout:    timeout,
	}, nil, limiter)

	apiKey := a.cfg.Server.APIKey
	connect := func(addr string) worker.Dispatcher {
		return api.NewClient(addr, api.WithAPIKey(apiKey), api.WithHTTPClient(&http.Client{Timeout: 2 * timeout}))
	}
	w := a.cfg.Worker
	return worker.New(a.DirectoryClient(), connect, vineClient, worker.Config{
		ID:           w.ID,
		PollInterval: w.PollInterval,
		Concurrency:  w.Concurrency,
		Profiler: worker.ProfilerConfig{
			Threshold:    w.Threshold,
			Window:       w.Window,
			Lookback:     w.Lookback,
			PromoteRatio: w.PromoteRatio,
			InitialBatch: w.InitialBatch,
			MaxBatch:     w.MaxBatch,
		},
	}, a.logger.Named("worker"))
}

// Seeds returns queue.seeds, falling back to the built-in seed users.
func (a *App) Seeds() []string {
	if len(a.cfg.Queue.Seeds) > 0 {
		return a.cfg.Queue.Seeds
	}
	return dispatcher.DefaultSeeds
}
