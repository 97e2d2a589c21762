package crawler

import (
	"context"
	"time"
)

// RecordStore persists result records. Puts for different keys are independent; there are
// no transactions across keys.
type RecordStore interface {
	Put(ctx context.Context, collection, key string, record any) error
}

// DoneLog durably records uids that must never be enqueued again.
type DoneLog interface {
	LoadDone(ctx context.Context) ([]string, error)
	AppendDone(ctx context.Context, uids ...string) error
}

// Overflow holds Idle jobs spilled out of memory.
type Overflow interface {
	Spill(jobs []*Job) error
	Drain(n int) ([]*Job, error)
	Len() int
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// APIClient is the external API surface a worker executes jobs against.
type APIClient interface {
	FetchProfile(ctx context.Context, id string) (UserProfile, error)
	FetchTimeline(ctx context.Context, id string) ([]VineRecord, error)
}

// Timer is a cancellation handle for a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock returns the current time and schedules callbacks (useful for testing).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}
