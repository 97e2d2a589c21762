package local

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
)

// Overflow spills Idle jobs to a JSON-lines file. Spill appends; Drain reads the oldest lines
// and rewrites the file with the remainder. Only one process may use a file at a time.
type Overflow struct {
	mu    sync.Mutex
	path  string
	count int
}

// NewOverflow opens (or creates) the overflow file under cfg.BaseDir. Jobs left over from a
// previous run are kept and counted.
func NewOverflow(cfg Config) (*Overflow, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	o := &Overflow{path: filepath.Join(cfg.BaseDir, OverflowFile)}
	jobs, err := o.readAll()
	if err != nil {
		return nil, err
	}
	o.count = len(jobs)
	return o, nil
}

// Path returns the overflow file location.
func (o *Overflow) Path() string { return o.path }

// Spill appends jobs to the file.
func (o *Overflow) Spill(jobs []*crawler.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	// #nosec G304 -- path is built from the configured base directory.
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open overflow file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	written := 0
	for _, j := range jobs {
		if j == nil {
			continue
		}
		snap := j.Snapshot()
		if err := enc.Encode(&snap); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode overflow job: %w", err)
		}
		written++
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush overflow file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close overflow file: %w", err)
	}
	o.count += written
	return nil
}

// Drain removes and returns up to n of the oldest jobs.
func (o *Overflow) Drain(n int) ([]*crawler.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	jobs, err := o.readAll()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		o.count = 0
		return nil, nil
	}
	n = min(n, len(jobs))
	out, rest := jobs[:n], jobs[n:]
	if err := o.rewrite(rest); err != nil {
		return nil, err
	}
	o.count = len(rest)
	return out, nil
}

// Len returns the number of jobs in the file.
func (o *Overflow) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

func (o *Overflow) readAll() ([]*crawler.Job, error) {
	// #nosec G304 -- path is built from the configured base directory.
	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open overflow file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var jobs []*crawler.Job
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var job crawler.Job
		if err := json.Unmarshal(line, &job); err != nil {
			return nil, fmt.Errorf("decode overflow job: %w", err)
		}
		if !job.Type().Valid() || job.ID() == "" {
			continue
		}
		restored := crawler.NewJobWithPriority(job.Type(), job.ID(), job.Priority)
		restored.FailCount = job.FailCount
		jobs = append(jobs, restored)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read overflow file: %w", err)
	}
	return jobs, nil
}

// rewrite replaces the file contents atomically via a temp file and rename.
func (o *Overflow) rewrite(jobs []*crawler.Job) error {
	tmp := o.path + ".tmp"
	// #nosec G304 -- path is built from the configured base directory.
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create overflow temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, j := range jobs {
		snap := j.Snapshot()
		if err := enc.Encode(&snap); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode overflow job: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush overflow temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close overflow temp file: %w", err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return fmt.Errorf("replace overflow file: %w", err)
	}
	return nil
}
