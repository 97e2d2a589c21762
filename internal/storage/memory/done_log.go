package memory

import (
	"context"
	"sync"
)

// DoneLog keeps the done-set log in memory. Nothing survives a restart.
type DoneLog struct {
	mu   sync.Mutex
	uids []string
	seen map[string]struct{}
}

// NewDoneLog creates an empty DoneLog.
func NewDoneLog() *DoneLog {
	return &DoneLog{seen: make(map[string]struct{})}
}

// LoadDone returns every uid appended so far.
func (l *DoneLog) LoadDone(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.uids))
	copy(out, l.uids)
	return out, nil
}

// AppendDone records uids, ignoring ones already present.
func (l *DoneLog) AppendDone(_ context.Context, uids ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, uid := range uids {
		if _, ok := l.seen[uid]; ok {
			continue
		}
		l.seen[uid] = struct{}{}
		l.uids = append(l.uids, uid)
	}
	return nil
}
