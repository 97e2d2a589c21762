// Package dispatcher owns the crawl work queue: it leases jobs to workers, expires leases that
// are not completed in time, and takes in completed results.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultLeaseTimeout = 5 * time.Minute
	DefaultIOTimeout    = 30 * time.Second
)

// DefaultSeeds are the user ids the crawl starts from.
var DefaultSeeds = []string{
	"934940633704046592",
	"935302706900402176",
	"912665006900916224",
	"912482556656623616",
	"925163818496167936",
}

// JobQueue is the working set the dispatcher drives. memory.JobStore implements it.
type JobQueue interface {
	Add(id string, types ...crawler.JobType) int
	Next() *crawler.Job
	Requeue(job *crawler.Job)
	MarkDone(uid string) bool
	MarkFailed(uid string) bool
	RestoreDone(uids []string)
	IsDone(uid string) bool
	Len() int
	Pending() int
	Done() int
}

// Config tunes lease handling and completion intake.
type Config struct {
	LeaseTimeout time.Duration
	// MaxLeaseBatch caps the jobs handed out per ListJobs call. Zero means no cap.
	MaxLeaseBatch int
	// PutConcurrency bounds concurrent record puts per completion. Zero means unbounded.
	PutConcurrency int
	// Topic receives a crawler.RecordEvent per stored record when a publisher is configured.
	Topic string
	// IOTimeout bounds done-log writes triggered by lease expiry.
	IOTimeout time.Duration
}

// Dispatcher is the single owner of the job queue. All queue access goes through its methods
// and is serialized by one mutex; storage and publishing happen outside the lock.
type Dispatcher struct {
	mu        sync.Mutex
	jobs      JobQueue
	leases    map[string]lease
	leaseSeq  uint64
	records   crawler.RecordStore
	doneLog   crawler.DoneLog
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

type lease struct {
	job *crawler.Job
	id  uint64
}

// New creates a Dispatcher. doneLog and publisher may be nil.
func New(
	jobs JobQueue,
	records crawler.RecordStore,
	doneLog crawler.DoneLog,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		jobs:      jobs,
		leases:    make(map[string]lease),
		records:   records,
		doneLog:   doneLog,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Restore loads the done-set from the done log.
func (d *Dispatcher) Restore(ctx context.Context) error {
	if d.doneLog == nil {
		return nil
	}
	uids, err := d.doneLog.LoadDone(ctx)
	if err != nil {
		return fmt.Errorf("load done log: %w", err)
	}
	d.mu.Lock()
	d.jobs.RestoreDone(uids)
	d.updateGauges()
	d.mu.Unlock()
	d.logger.Info("restored done-set", zap.Int("uids", len(uids)))
	return nil
}

// Seed enqueues user and timeline jobs for each id and returns the number of jobs added.
func (d *Dispatcher) Seed(ids []string) int {
	d.mu.Lock()
	added := 0
	for _, id := range ids {
		added += d.jobs.Add(id)
	}
	d.updateGauges()
	d.mu.Unlock()
	d.logger.Info("seeded queue", zap.Int("seeds", len(ids)), zap.Int("jobs_added", added))
	return added
}

// ListJobs leases up to count of the highest-priority Idle jobs. Each leased job is Pending
// until it is completed or its lease expires. The returned values are copies.
func (d *Dispatcher) ListJobs(_ context.Context, count int) []crawler.Job {
	if count <= 0 {
		return []crawler.Job{}
	}
	if d.cfg.MaxLeaseBatch > 0 && count > d.cfg.MaxLeaseBatch {
		count = d.cfg.MaxLeaseBatch
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]crawler.Job, 0, count)
	for len(out) < count {
		job := d.jobs.Next()
		if job == nil {
			break
		}
		d.startLease(job)
		out = append(out, job.Snapshot())
		metrics.ObserveLease(job.Type().String())
	}
	d.updateGauges()
	if len(out) > 0 {
		d.logger.Debug("leased jobs", zap.Int("requested", count), zap.Int("leased", len(out)))
	}
	return out
}

// JobCount returns the number of Idle jobs available for lease.
func (d *Dispatcher) JobCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs.Len()
}

// Stats returns the current queue sizes.
func (d *Dispatcher) Stats() crawler.QueueStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return crawler.QueueStats{
		Idle:    d.jobs.Len(),
		Pending: d.jobs.Pending(),
		Done:    d.jobs.Done(),
	}
}

// CompleteJobs stores the submitted records, marks their jobs done and enqueues jobs for newly
// discovered users. Malformed records and records of unknown type are dropped. Reposts are not
// stored and do not drive discovery, but their job is still marked done. OK is false when any
// put failed; records already stored are kept and their jobs still complete.
func (d *Dispatcher) CompleteJobs(ctx context.Context, c crawler.Completion) crawler.CompletionResult {
	var (
		records []crawler.Record
		reposts []crawler.Record
	)
	for i, raw := range c.Data {
		rec, err := crawler.ParseRecord(raw)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, crawler.ErrUnknownRecordType) {
				reason = "unknown_type"
			}
			metrics.ObserveRecordDropped(reason)
			d.logger.Warn("dropping record", zap.Int("index", i), zap.String("reason", reason), zap.Error(err))
			continue
		}
		if crawler.IsRepost(rec) {
			metrics.ObserveRecordDropped("repost")
			reposts = append(reposts, rec)
			continue
		}
		records = append(records, rec)
	}

	stored, putErr := d.persist(ctx, records)

	storedCount := 0
	failed := make(map[string]struct{})
	for i, rec := range records {
		if stored[i] {
			storedCount++
		} else {
			failed[rec.Ref().UID()] = struct{}{}
		}
	}

	d.mu.Lock()
	var doneUIDs []string
	finish := func(ref crawler.JobRef) {
		uid := ref.UID()
		if _, ok := failed[uid]; ok {
			return
		}
		if d.finish(uid) {
			doneUIDs = append(doneUIDs, uid)
			metrics.ObserveCompleted(ref.Type.String())
		}
	}
	discovered := 0
	for i, rec := range records {
		if !stored[i] {
			continue
		}
		finish(rec.Ref())
		for _, id := range rec.Candidates() {
			discovered += d.jobs.Add(id)
		}
	}
	for _, rec := range reposts {
		finish(rec.Ref())
	}
	for _, ref := range c.Jobs {
		if ref.Type.Valid() && strings.TrimSpace(ref.ID) != "" {
			finish(ref)
		}
	}
	d.updateGauges()
	d.mu.Unlock()

	metrics.ObserveDiscovered(discovered)
	d.logger.Info("completion processed",
		zap.Int("records", len(c.Data)),
		zap.Int("stored", storedCount),
		zap.Int("reposts", len(reposts)),
		zap.Int("jobs_done", len(doneUIDs)),
		zap.Int("jobs_discovered", discovered),
	)

	d.appendDone(ctx, doneUIDs)
	d.publishStored(ctx, records, stored)

	if putErr != nil {
		d.logger.Error("record storage failed", zap.Error(putErr))
		return crawler.CompletionResult{OK: false}
	}
	return crawler.CompletionResult{OK: true}
}

// Shutdown stops all outstanding lease timers. Leased jobs are not persisted.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for uid, l := range d.leases {
		l.job.CancelLease()
		delete(d.leases, uid)
	}
}

// persist puts every record concurrently and waits for all of them.
func (d *Dispatcher) persist(ctx context.Context, records []crawler.Record) ([]bool, error) {
	stored := make([]bool, len(records))
	var g errgroup.Group
	if d.cfg.PutConcurrency > 0 {
		g.SetLimit(d.cfg.PutConcurrency)
	}
	for i, rec := range records {
		g.Go(func() error {
			err := d.records.Put(ctx, rec.Collection(), rec.Key(), rec)
			metrics.ObserveRecordPut(rec.Collection(), err)
			if err != nil {
				return fmt.Errorf("put %s/%s: %w", rec.Collection(), rec.Key(), err)
			}
			stored[i] = true
			return nil
		})
	}
	return stored, g.Wait()
}

// startLease must be called with d.mu held.
func (d *Dispatcher) startLease(job *crawler.Job) {
	d.leaseSeq++
	id := d.leaseSeq
	uid := job.UID()
	d.leases[uid] = lease{job: job, id: id}
	job.SetLease(d.clock.AfterFunc(d.cfg.LeaseTimeout, func() { d.expire(uid, id) }))
}

// finish must be called with d.mu held. It reports whether uid newly entered the done-set.
func (d *Dispatcher) finish(uid string) bool {
	if l, ok := d.leases[uid]; ok {
		l.job.CancelLease()
		delete(d.leases, uid)
	}
	if d.jobs.IsDone(uid) {
		return false
	}
	d.jobs.MarkDone(uid)
	return true
}

// expire handles a fired lease timer. Timers for leases that were completed or replaced in the
// meantime are ignored. It runs on a timer goroutine, so a panic is logged instead of taking the
// process down before the directory address is released.
func (d *Dispatcher) expire(uid string, id uint64) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("lease expiry panicked", zap.String("uid", uid), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	job, state, ok := d.resetLease(uid, id)
	if !ok {
		return
	}
	failed := state == crawler.JobStateFailed
	metrics.ObserveLeaseTimeout(job.Type().String(), failed)
	if !failed {
		d.logger.Info("lease expired; job requeued", zap.String("uid", uid), zap.Int("fail_count", job.FailCount))
		return
	}
	d.logger.Warn("job failed after repeated lease timeouts", zap.String("uid", uid), zap.Int("fail_count", job.FailCount))
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout)
	defer cancel()
	d.appendDone(ctx, []string{uid})
}

// resetLease returns an expired job to Idle or moves it to Failed. The returned job is a
// snapshot taken under the lock.
func (d *Dispatcher) resetLease(uid string, id uint64) (crawler.Job, crawler.JobState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.leases[uid]
	if !ok || l.id != id || l.job.State != crawler.JobStatePending {
		return crawler.Job{}, 0, false
	}
	delete(d.leases, uid)
	job := l.job
	job.CancelLease()
	state := job.ResetState()
	if state == crawler.JobStateFailed {
		d.jobs.MarkFailed(uid)
	} else {
		d.jobs.Requeue(job)
	}
	d.updateGauges()
	return job.Snapshot(), state, true
}

func (d *Dispatcher) appendDone(ctx context.Context, uids []string) {
	if d.doneLog == nil || len(uids) == 0 {
		return
	}
	if err := d.doneLog.AppendDone(ctx, uids...); err != nil {
		d.logger.Error("failed to append done log", zap.Int("uids", len(uids)), zap.Error(err))
	}
}

func (d *Dispatcher) publishStored(ctx context.Context, records []crawler.Record, stored []bool) {
	if d.publisher == nil {
		return
	}
	for i, rec := range records {
		if !stored[i] {
			continue
		}
		event := crawler.RecordEvent{
			UID:        rec.Ref().UID(),
			Collection: rec.Collection(),
			Key:        rec.Key(),
			StoredAt:   d.clock.Now(),
		}
		if _, err := d.publisher.Publish(ctx, d.cfg.Topic, event); err != nil {
			d.logger.Warn("failed to publish record event", zap.String("uid", event.UID), zap.Error(err))
		}
	}
}

// updateGauges must be called with d.mu held.
func (d *Dispatcher) updateGauges() {
	metrics.SetQueue(d.jobs.Len(), d.jobs.Pending(), d.jobs.Done())
}
