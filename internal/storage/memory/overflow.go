package memory

import (
	"sync"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
)

// Overflow is a FIFO spill area held in memory.
type Overflow struct {
	mu   sync.Mutex
	jobs []crawler.Job
}

// NewOverflow creates an empty Overflow.
func NewOverflow() *Overflow {
	return &Overflow{}
}

// Spill appends copies of jobs.
func (o *Overflow) Spill(jobs []*crawler.Job) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range jobs {
		if j != nil {
			o.jobs = append(o.jobs, j.Snapshot())
		}
	}
	return nil
}

// Drain removes and returns up to n of the oldest spilled jobs.
func (o *Overflow) Drain(n int) ([]*crawler.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n <= 0 || len(o.jobs) == 0 {
		return nil, nil
	}
	n = min(n, len(o.jobs))
	out := make([]*crawler.Job, 0, n)
	for i := range n {
		job := o.jobs[i]
		out = append(out, &job)
	}
	o.jobs = append([]crawler.Job(nil), o.jobs[n:]...)
	return out, nil
}

// Len returns the number of spilled jobs.
func (o *Overflow) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}
