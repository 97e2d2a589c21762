package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DoneLog appends done uids to a newline-delimited file.
type DoneLog struct {
	mu   sync.Mutex
	path string
}

// NewDoneLog creates the done log under cfg.BaseDir.
func NewDoneLog(cfg Config) (*DoneLog, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &DoneLog{path: filepath.Join(cfg.BaseDir, DoneLogFile)}, nil
}

// LoadDone reads every uid in the log. A missing file yields an empty set.
func (l *DoneLog) LoadDone(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 -- path is built from the configured base directory.
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open done log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var uids []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		uid := strings.TrimSpace(scanner.Text())
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read done log: %w", err)
	}
	return uids, nil
}

// AppendDone appends uids to the log.
func (l *DoneLog) AppendDone(_ context.Context, uids ...string) error {
	if len(uids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 -- path is built from the configured base directory.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open done log: %w", err)
	}
	var b strings.Builder
	for _, uid := range uids {
		if uid = strings.TrimSpace(uid); uid != "" {
			b.WriteString(uid)
			b.WriteByte('\n')
		}
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write done log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close done log: %w", err)
	}
	return nil
}
