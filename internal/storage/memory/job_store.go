package memory

import (
	"container/heap"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
)

// Default working-set limits.
const (
	DefaultRAMCeiling = 5000
	DefaultLowWater   = 400
	DefaultHighWater  = 500
)

// JobStoreConfig tunes the in-memory working set.
type JobStoreConfig struct {
	// RAMCeiling is the number of Idle jobs kept in memory before spilling to Overflow.
	RAMCeiling int
	// LowWater triggers replenishment from Overflow when the in-memory Idle count drops below it.
	LowWater int
	// HighWater is both the replenish target and the size the in-memory set is spilled down to.
	HighWater int
	// FailThreshold is applied to every job created by the store.
	FailThreshold int
	// Overflow receives spilled jobs. Nil disables spilling.
	Overflow crawler.Overflow
	Logger   *zap.Logger
}

func (c JobStoreConfig) withDefaults() JobStoreConfig {
	if c.RAMCeiling <= 0 {
		c.RAMCeiling = DefaultRAMCeiling
	}
	if c.HighWater <= 0 {
		c.HighWater = DefaultHighWater
	}
	if c.HighWater > c.RAMCeiling {
		c.HighWater = c.RAMCeiling
	}
	if c.LowWater <= 0 {
		c.LowWater = DefaultLowWater
	}
	if c.LowWater > c.HighWater {
		c.LowWater = c.HighWater
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = crawler.DefaultFailThreshold
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// JobStore holds the crawl working set (Idle and Pending jobs) deduplicated by uid, plus the
// set of uids that are done for good. It is not safe for concurrent use.
type JobStore struct {
	cfg     JobStoreConfig
	logger  *zap.Logger
	entries map[string]*entry
	idle    jobHeap
	seq     uint64
	done    map[string]struct{}
	spilled map[string]struct{}
}

// NewJobStore constructs a JobStore.
func NewJobStore(cfg JobStoreConfig) *JobStore {
	cfg = cfg.withDefaults()
	return &JobStore{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
		done:    make(map[string]struct{}),
		spilled: make(map[string]struct{}),
	}
}

// Add enqueues jobs for id, one per type (User and Vine when none are given). Uids already
// done or spilled are skipped; uids already in the working set get their priority bumped.
// It returns the number of new jobs.
func (s *JobStore) Add(id string, types ...crawler.JobType) int {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0
	}
	if len(types) == 0 {
		types = []crawler.JobType{crawler.JobTypeUser, crawler.JobTypeVine}
	}
	added := 0
	for _, t := range types {
		if !t.Valid() {
			continue
		}
		uid := crawler.JobUID(t, id)
		if _, ok := s.done[uid]; ok {
			continue
		}
		if e, ok := s.entries[uid]; ok {
			e.job.BumpPriority()
			if e.index >= 0 {
				heap.Fix(&s.idle, e.index)
			}
			continue
		}
		if _, ok := s.spilled[uid]; ok {
			continue
		}
		job := crawler.NewJob(t, id)
		job.SetFailThreshold(s.cfg.FailThreshold)
		s.push(job)
		added++
	}
	s.maybeSpill()
	return added
}

// Next pops the highest-priority Idle job and marks it Pending. Ties go to the job that was
// queued first. It returns nil when nothing is available.
func (s *JobStore) Next() *crawler.Job {
	if s.idle.Len() < s.cfg.LowWater {
		s.replenish()
	}
	for s.idle.Len() == 0 {
		if s.overflowLen() == 0 || !s.replenish() {
			return nil
		}
	}
	e, _ := heap.Pop(&s.idle).(*entry)
	e.job.MarkActive()
	return e.job
}

// Requeue puts a job that went back to Idle (after a lease timeout) onto the heap again.
func (s *JobStore) Requeue(job *crawler.Job) {
	if job == nil || job.State != crawler.JobStateIdle {
		return
	}
	e, ok := s.entries[job.UID()]
	if !ok || e.job != job || e.index >= 0 {
		return
	}
	s.seq++
	e.seq = s.seq
	heap.Push(&s.idle, e)
	s.maybeSpill()
}

// MarkDone removes uid from the working set, marks its job Fulfilled and records it as done.
// It reports whether the uid was in the working set.
func (s *JobStore) MarkDone(uid string) bool {
	e := s.remove(uid)
	if e != nil {
		e.job.MarkDone()
	}
	s.done[uid] = struct{}{}
	return e != nil
}

// MarkFailed removes uid from the working set and records it as done. The job's state is left
// as set by the caller.
func (s *JobStore) MarkFailed(uid string) bool {
	e := s.remove(uid)
	s.done[uid] = struct{}{}
	return e != nil
}

// RestoreDone preloads the done-set, typically from a durable log at startup.
func (s *JobStore) RestoreDone(uids []string) {
	for _, uid := range uids {
		if uid = strings.TrimSpace(uid); uid != "" {
			s.remove(uid)
			s.done[uid] = struct{}{}
		}
	}
}

// Get returns the working-set job for uid, or nil.
func (s *JobStore) Get(uid string) *crawler.Job {
	if e, ok := s.entries[uid]; ok {
		return e.job
	}
	return nil
}

// Len returns the number of Idle jobs, including jobs spilled to overflow.
func (s *JobStore) Len() int {
	return s.idle.Len() + s.overflowLen()
}

// Pending returns the number of leased jobs.
func (s *JobStore) Pending() int {
	return len(s.entries) - s.idle.Len()
}

// Done returns the size of the done-set.
func (s *JobStore) Done() int {
	return len(s.done)
}

// Contains reports whether uid is in the working set.
func (s *JobStore) Contains(uid string) bool {
	_, ok := s.entries[uid]
	return ok
}

// IsDone reports whether uid is in the done-set.
func (s *JobStore) IsDone(uid string) bool {
	_, ok := s.done[uid]
	return ok
}

func (s *JobStore) push(job *crawler.Job) {
	s.seq++
	e := &entry{job: job, seq: s.seq, index: -1}
	s.entries[job.UID()] = e
	heap.Push(&s.idle, e)
}

func (s *JobStore) remove(uid string) *entry {
	delete(s.spilled, uid)
	e, ok := s.entries[uid]
	if !ok {
		return nil
	}
	if e.index >= 0 {
		heap.Remove(&s.idle, e.index)
	}
	delete(s.entries, uid)
	return e
}

func (s *JobStore) overflowLen() int {
	if s.cfg.Overflow == nil {
		return 0
	}
	return s.cfg.Overflow.Len()
}

// maybeSpill moves the lowest-priority Idle jobs to overflow once the in-memory Idle count
// exceeds the ceiling, keeping HighWater jobs in memory.
func (s *JobStore) maybeSpill() {
	if s.cfg.Overflow == nil || s.idle.Len() <= s.cfg.RAMCeiling {
		return
	}
	ordered := make([]*entry, 0, s.idle.Len())
	for s.idle.Len() > 0 {
		e, _ := heap.Pop(&s.idle).(*entry)
		ordered = append(ordered, e)
	}
	keep, spill := ordered[:s.cfg.HighWater], ordered[s.cfg.HighWater:]

	jobs := make([]*crawler.Job, 0, len(spill))
	for _, e := range spill {
		jobs = append(jobs, e.job)
	}
	if err := s.cfg.Overflow.Spill(jobs); err != nil {
		s.logger.Warn("overflow spill failed; keeping jobs in memory", zap.Int("jobs", len(jobs)), zap.Error(err))
		keep = ordered
		spill = nil
	}
	for _, e := range spill {
		uid := e.job.UID()
		delete(s.entries, uid)
		s.spilled[uid] = struct{}{}
	}
	s.idle = s.idle[:0]
	for _, e := range keep {
		heap.Push(&s.idle, e)
	}
	if len(spill) > 0 {
		s.logger.Debug("spilled idle jobs to overflow", zap.Int("jobs", len(spill)), zap.Int("in_memory", s.idle.Len()))
	}
}

// replenish drains overflow up to HighWater. Drained jobs that are already done or already in
// the working set are discarded. It reports whether anything was read.
func (s *JobStore) replenish() bool {
	if s.overflowLen() == 0 {
		return false
	}
	want := s.cfg.HighWater - s.idle.Len()
	if want <= 0 {
		return false
	}
	jobs, err := s.cfg.Overflow.Drain(want)
	if err != nil {
		s.logger.Warn("overflow drain failed", zap.Error(err))
		return false
	}
	for _, job := range jobs {
		if job == nil {
			continue
		}
		uid := job.UID()
		delete(s.spilled, uid)
		if _, ok := s.done[uid]; ok {
			continue
		}
		if _, ok := s.entries[uid]; ok {
			continue
		}
		job.State = crawler.JobStateIdle
		job.SetFailThreshold(s.cfg.FailThreshold)
		s.push(job)
	}
	return len(jobs) > 0
}

type entry struct {
	job   *crawler.Job
	seq   uint64
	index int
}

// jobHeap is a max-heap on priority with FIFO order among equal priorities.
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e, _ := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
