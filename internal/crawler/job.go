package crawler

import "slices"

// DefaultFailThreshold is the number of lease timeouts after which a job is failed.
const DefaultFailThreshold = 3

// Job is one unit of crawl work: fetch a user's profile or a user's timeline.
type Job struct {
	Data      JobRef   `json:"data"`
	Priority  int      `json:"priority"`
	State     JobState `json:"state"`
	FailCount int      `json:"failCount"`

	failThreshold int
	lease         Timer
}

// NewJob creates an Idle job with the default priority of 1.
func NewJob(t JobType, id string) *Job {
	return NewJobWithPriority(t, id, 1)
}

// NewJobWithPriority creates an Idle job with the given priority.
func NewJobWithPriority(t JobType, id string, priority int) *Job {
	return &Job{
		Data:          JobRef{Type: t, ID: id},
		Priority:      priority,
		State:         JobStateIdle,
		failThreshold: DefaultFailThreshold,
	}
}

// ID returns the external entity identifier.
func (j *Job) ID() string { return j.Data.ID }

// Type returns the job type.
func (j *Job) Type() JobType { return j.Data.Type }

// UID returns the dedup key.
func (j *Job) UID() string { return j.Data.UID() }

// SetFailThreshold overrides the number of timeouts tolerated before the job fails.
func (j *Job) SetFailThreshold(n int) {
	if n > 0 {
		j.failThreshold = n
	}
}

// BumpPriority increases priority by one and returns the new value.
func (j *Job) BumpPriority() int {
	j.Priority++
	return j.Priority
}

// MarkActive moves an Idle job to Pending.
func (j *Job) MarkActive() {
	if j.State.Terminal() {
		return
	}
	j.State = JobStatePending
}

// MarkDone moves the job to Fulfilled.
func (j *Job) MarkDone() {
	if j.State.Terminal() {
		return
	}
	j.State = JobStateFulfilled
}

// ResetState records a failed attempt. The job returns to Idle unless the fail threshold has
// been reached, in which case it becomes Failed. Terminal jobs are left untouched.
func (j *Job) ResetState() JobState {
	if j.State.Terminal() {
		return j.State
	}
	j.FailCount++
	threshold := j.failThreshold
	if threshold <= 0 {
		threshold = DefaultFailThreshold
	}
	if j.FailCount >= threshold {
		j.State = JobStateFailed
	} else {
		j.State = JobStateIdle
	}
	return j.State
}

// SetLease stores the lease timer handle, stopping any previous one.
func (j *Job) SetLease(t Timer) {
	j.CancelLease()
	j.lease = t
}

// CancelLease stops and clears the lease timer. It reports whether a timer was stopped
// before firing.
func (j *Job) CancelLease() bool {
	if j.lease == nil {
		return false
	}
	stopped := j.lease.Stop()
	j.lease = nil
	return stopped
}

// HasLease reports whether a lease timer is attached.
func (j *Job) HasLease() bool {
	return j.lease != nil
}

// Equals reports whether both jobs refer to the same entity id, and the same type when
// matchType is set.
func (j *Job) Equals(other *Job, matchType bool) bool {
	if j == nil || other == nil {
		return false
	}
	if j.Data.ID != other.Data.ID {
		return false
	}
	return !matchType || j.Data.Type == other.Data.Type
}

// Snapshot returns a copy without the lease handle, safe to hand to other goroutines.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.lease = nil
	return cp
}

// CompareJobs orders jobs by descending priority: negative when a should come first.
func CompareJobs(a, b *Job) int {
	return b.Priority - a.Priority
}

// SortJobs sorts jobs in place by descending priority, keeping the relative order of ties.
func SortJobs(jobs []*Job) []*Job {
	slices.SortStableFunc(jobs, CompareJobs)
	return jobs
}

// FilterIdle returns the jobs that are currently Idle.
func FilterIdle(jobs []*Job) []*Job {
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if j != nil && j.State == JobStateIdle {
			out = append(out, j)
		}
	}
	return out
}

// FindJob returns the first job in jobs that equals job, or nil.
func FindJob(job *Job, jobs []*Job, matchType bool) *Job {
	for _, candidate := range jobs {
		if job.Equals(candidate, matchType) {
			return candidate
		}
	}
	return nil
}
