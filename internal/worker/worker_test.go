package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/vine-crawler/internal/api"
	"github.com/JakeFAU/vine-crawler/internal/clock/system"
	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/dispatcher"
	"github.com/JakeFAU/vine-crawler/internal/storage/memory"
)

func TestWorker_RunOnceExecutesBatch(t *testing.T) {
	t.Parallel()

	disp := newFakeDispatcher(
		crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: "1"}},
		crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeVine, ID: "1"}},
	)
	apiClient := &fakeAPI{
		timelines: map[string][]crawler.VineRecord{
			"1": {
				{Type: crawler.JobTypeVine, ID: "1", PostID: "p1", Mentions: []string{"9"}},
				{Type: crawler.JobTypeVine, ID: "1", PostID: "p2"},
			},
		},
	}
	w := newTestWorker(disp, apiClient, Config{Profiler: ProfilerConfig{InitialBatch: 2}})

	require.NoError(t, w.RunOnce(context.Background()))

	require.Len(t, disp.completions, 1)
	c := disp.completions[0]
	require.Len(t, c.Data, 3)
	require.ElementsMatch(t, []crawler.JobRef{
		{Type: crawler.JobTypeUser, ID: "1"},
		{Type: crawler.JobTypeVine, ID: "1"},
	}, c.Jobs)

	rec, err := crawler.ParseRecord(c.Data[0])
	require.NoError(t, err)
	require.Equal(t, crawler.CollectionUsers, rec.Collection())
	rec, err = crawler.ParseRecord(c.Data[2])
	require.NoError(t, err)
	require.Equal(t, "p2", rec.Key())
}

func TestWorker_FailedJobsAreNotAcked(t *testing.T) {
	t.Parallel()

	disp := newFakeDispatcher(
		crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: "ok"}},
		crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: "bad"}},
		crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUnknown, ID: "x"}},
	)
	apiClient := &fakeAPI{failIDs: map[string]bool{"bad": true}}
	w := newTestWorker(disp, apiClient, Config{Profiler: ProfilerConfig{InitialBatch: 3}})

	require.NoError(t, w.RunOnce(context.Background()))
	c := disp.completions[0]
	require.Len(t, c.Data, 1)
	require.Equal(t, []crawler.JobRef{{Type: crawler.JobTypeUser, ID: "ok"}}, c.Jobs)
}

func TestWorker_EmptyTimelineIsAcked(t *testing.T) {
	t.Parallel()

	disp := newFakeDispatcher(crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeVine, ID: "5"}})
	w := newTestWorker(disp, &fakeAPI{}, Config{})

	require.NoError(t, w.RunOnce(context.Background()))
	c := disp.completions[0]
	require.Empty(t, c.Data)
	require.NotNil(t, c.Data)
	require.Equal(t, []crawler.JobRef{{Type: crawler.JobTypeVine, ID: "5"}}, c.Jobs)
}

func TestWorker_WaitsForEnoughJobs(t *testing.T) {
	t.Parallel()

	disp := newFakeDispatcher(crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: "1"}})
	disp.countOverride.Store(0)
	w := newTestWorker(disp, &fakeAPI{}, Config{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		disp.countOverride.Store(-1)
	}()
	require.NoError(t, w.RunOnce(context.Background()))
	require.GreaterOrEqual(t, disp.countCalls.Load(), int32(2))
	require.Len(t, disp.completions, 1)
}

func TestWorker_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	disp := newFakeDispatcher()
	w := newTestWorker(disp, &fakeAPI{}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.RunOnce(ctx), context.DeadlineExceeded)
}

func TestWorker_IDIsStableAcrossRestarts(t *testing.T) {
	t.Parallel()

	first := New(nil, nil, &fakeAPI{}, Config{}, zap.NewNop())
	second := New(nil, nil, &fakeAPI{}, Config{}, zap.NewNop())
	require.NotEmpty(t, first.ID())
	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, DefaultID(), first.ID())

	named := New(nil, nil, &fakeAPI{}, Config{ID: "crawler-a"}, zap.NewNop())
	require.Equal(t, "crawler-a", named.ID())
}

func TestWorker_EmptyLeaseBacksOff(t *testing.T) {
	t.Parallel()

	disp := newFakeDispatcher()
	disp.countOverride.Store(5)
	w := New(&fakeResolver{addrs: []string{"a:1"}}, func(string) Dispatcher { return disp },
		&fakeAPI{}, Config{PollInterval: 50 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	disp.mu.Lock()
	listCalls := len(disp.requested)
	disp.mu.Unlock()
	require.Positive(t, listCalls)
	require.LessOrEqual(t, listCalls, 6)
	require.LessOrEqual(t, disp.countCalls.Load(), int32(6))
	require.Empty(t, disp.completions)
}

func TestWorker_ExecutionIsBounded(t *testing.T) {
	t.Parallel()

	jobs := make([]crawler.Job, 8)
	for i := range jobs {
		jobs[i] = crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: string(rune('a' + i))}}
	}
	disp := newFakeDispatcher(jobs...)
	apiClient := &fakeAPI{delay: 10 * time.Millisecond}
	w := newTestWorker(disp, apiClient, Config{Concurrency: 2, Profiler: ProfilerConfig{InitialBatch: 8}})

	require.NoError(t, w.RunOnce(context.Background()))
	require.LessOrEqual(t, apiClient.maxInFlight.Load(), int32(2))
	require.Len(t, disp.completions[0].Jobs, 8)
}

func TestWorker_ProfilerGrowsBatch(t *testing.T) {
	t.Parallel()

	var jobs []crawler.Job
	for i := range 20 {
		jobs = append(jobs, crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: string(rune('a' + i))}})
	}
	disp := newFakeDispatcher(jobs...)
	w := newTestWorker(disp, &fakeAPI{}, Config{})

	for range 5 {
		require.NoError(t, w.RunOnce(context.Background()))
	}
	require.Equal(t, 2, w.BatchSize())
	require.Equal(t, []int{1, 1, 1, 1, 1}, disp.requested)
}

func TestWorker_RunOnceWithoutDispatcher(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, &fakeAPI{}, Config{}, zap.NewNop())
	require.Error(t, w.RunOnce(context.Background()))
}

func TestWorker_RunReResolvesAfterTransportError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good := newFakeDispatcher(crawler.Job{Data: crawler.JobRef{Type: crawler.JobTypeUser, ID: "1"}})
	good.onComplete = cancel
	broken := newFakeDispatcher()
	broken.countErr = errors.New("connection refused")

	resolver := &fakeResolver{addrs: []string{"a:1", "b:2"}}
	var connected []string
	connect := func(addr string) Dispatcher {
		connected = append(connected, addr)
		if addr == "a:1" {
			return broken
		}
		return good
	}
	w := New(resolver, connect, &fakeAPI{}, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Equal(t, []string{"a:1", "b:2"}, connected)
	require.Len(t, good.completions, 1)
}

func TestWorker_StatusErrorKeepsDispatcher(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := newFakeDispatcher()
	disp.countErr = &api.StatusError{Code: 500, Body: "boom"}
	disp.onCount = func(n int32) {
		if n >= 3 {
			cancel()
		}
	}
	resolver := &fakeResolver{addrs: []string{"a:1"}}
	var connects atomic.Int32
	w := New(resolver, func(string) Dispatcher {
		connects.Add(1)
		return disp
	}, &fakeAPI{}, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())

	w.Run(ctx)
	require.EqualValues(t, 1, connects.Load())
}

// End to end against a real dispatcher behind the HTTP API.
func TestWorker_AgainstDispatcherAPI(t *testing.T) {
	t.Parallel()

	records := memory.NewRecordStore()
	d := dispatcher.New(
		memory.NewJobStore(memory.JobStoreConfig{}),
		records,
		memory.NewDoneLog(),
		nil,
		system.New(),
		dispatcher.Config{LeaseTimeout: time.Hour},
		zap.NewNop(),
	)
	defer d.Shutdown()
	d.Seed([]string{"1"})
	ts := httptest.NewServer(api.NewServer(d, api.ServerConfig{}, zap.NewNop()).Handler())
	defer ts.Close()

	apiClient := &fakeAPI{
		timelines: map[string][]crawler.VineRecord{
			"1": {{Type: crawler.JobTypeVine, ID: "1", PostID: "p1", Mentions: []string{"2"}}},
		},
	}
	w := New(nil, nil, apiClient, Config{PollInterval: 5 * time.Millisecond}, zap.NewNop())
	w.dispatcher = api.NewClient(ts.URL)

	ctx := context.Background()
	require.NoError(t, w.RunOnce(ctx))
	require.NoError(t, w.RunOnce(ctx))

	require.Equal(t, 1, records.Count(crawler.CollectionUsers))
	require.Equal(t, 1, records.Count(crawler.CollectionVines))
	stats := d.Stats()
	require.Equal(t, 2, stats.Done)
	require.Equal(t, 2, stats.Idle)
}

func newTestWorker(disp *fakeDispatcher, apiClient crawler.APIClient, cfg Config) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	w := New(nil, nil, apiClient, cfg, zap.NewNop())
	w.dispatcher = disp
	return w
}

type fakeDispatcher struct {
	mu            sync.Mutex
	jobs          []crawler.Job
	completions   []crawler.Completion
	requested     []int
	countErr      error
	countOverride atomic.Int32
	countCalls    atomic.Int32
	onCount       func(int32)
	onComplete    func()
}

func newFakeDispatcher(jobs ...crawler.Job) *fakeDispatcher {
	d := &fakeDispatcher{jobs: jobs}
	d.countOverride.Store(-1)
	return d
}

func (d *fakeDispatcher) JobCount(context.Context) (int, error) {
	n := d.countCalls.Add(1)
	if d.onCount != nil {
		d.onCount(n)
	}
	if d.countErr != nil {
		return 0, d.countErr
	}
	if o := d.countOverride.Load(); o >= 0 {
		return int(o), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs), nil
}

func (d *fakeDispatcher) ListJobs(_ context.Context, count int) ([]crawler.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requested = append(d.requested, count)
	count = min(count, len(d.jobs))
	out := d.jobs[:count]
	d.jobs = d.jobs[count:]
	return out, nil
}

func (d *fakeDispatcher) CompleteJobs(_ context.Context, c crawler.Completion) (crawler.CompletionResult, error) {
	d.mu.Lock()
	d.completions = append(d.completions, c)
	d.mu.Unlock()
	if d.onComplete != nil {
		d.onComplete()
	}
	return crawler.CompletionResult{OK: true}, nil
}

type fakeAPI struct {
	timelines   map[string][]crawler.VineRecord
	failIDs     map[string]bool
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (a *fakeAPI) enter() func() {
	n := a.inFlight.Add(1)
	for {
		m := a.maxInFlight.Load()
		if n <= m || a.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	return func() { a.inFlight.Add(-1) }
}

func (a *fakeAPI) FetchProfile(_ context.Context, id string) (crawler.UserProfile, error) {
	defer a.enter()()
	if a.failIDs[id] {
		return crawler.UserProfile{}, errors.New("api down")
	}
	return crawler.UserProfile{Type: crawler.JobTypeUser, ID: id, Username: "user-" + id}, nil
}

func (a *fakeAPI) FetchTimeline(_ context.Context, id string) ([]crawler.VineRecord, error) {
	defer a.enter()()
	if a.failIDs[id] {
		return nil, errors.New("api down")
	}
	return a.timelines[id], nil
}

type fakeResolver struct {
	mu    sync.Mutex
	addrs []string
	calls int
}

func (r *fakeResolver) WaitForAddress(context.Context, time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := r.addrs[min(r.calls, len(r.addrs)-1)]
	r.calls++
	return addr, nil
}
