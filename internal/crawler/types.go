// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobType identifies which external API operation a job maps to.
type JobType int

// Job types understood by the dispatcher and workers.
const (
	JobTypeUnknown JobType = -1
	JobTypeUser    JobType = 0
	JobTypeVine    JobType = 1
)

// String returns a lowercase label suitable for logs and metric labels.
func (t JobType) String() string {
	switch t {
	case JobTypeUser:
		return "user"
	case JobTypeVine:
		return "vine"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	return t == JobTypeUser || t == JobTypeVine
}

// ParseJobType maps a wire value to a JobType, returning JobTypeUnknown for anything else.
func ParseJobType(v int) JobType {
	t := JobType(v)
	if !t.Valid() {
		return JobTypeUnknown
	}
	return t
}

// MarshalJSON encodes the type as its integer code.
func (t JobType) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(t))), nil
}

// UnmarshalJSON decodes an integer code (or a quoted integer). Unrecognized values decode to
// JobTypeUnknown rather than failing so that one bad record never poisons a batch.
func (t *JobType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if strErr := json.Unmarshal(data, &s); strErr != nil {
			*t = JobTypeUnknown
			return nil
		}
		parsed, convErr := strconv.Atoi(s)
		if convErr != nil {
			*t = JobTypeUnknown
			return nil
		}
		n = parsed
	}
	*t = ParseJobType(n)
	return nil
}

// JobState represents the lifecycle state of a crawl job.
type JobState int

// Job states. Fulfilled and Failed are terminal.
const (
	JobStateIdle JobState = iota
	JobStatePending
	JobStateFulfilled
	JobStateFailed
)

func (s JobState) String() string {
	switch s {
	case JobStateIdle:
		return "idle"
	case JobStatePending:
		return "pending"
	case JobStateFulfilled:
		return "fulfilled"
	case JobStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobStateFulfilled || s == JobStateFailed
}

// JobRef is the identifying part of a job as it travels over the wire.
type JobRef struct {
	Type JobType `json:"type"`
	ID   string  `json:"id"`
}

// UID returns the dedup key "{type}-{id}".
func (r JobRef) UID() string {
	return JobUID(r.Type, r.ID)
}

// JobUID builds the dedup key for a type/id pair.
func JobUID(t JobType, id string) string {
	return fmt.Sprintf("%d-%s", int(t), id)
}

// Collection names used when persisting result records.
const (
	CollectionUsers = "users"
	CollectionVines = "vines"
)

// Completion is the payload a worker submits after executing a batch.
type Completion struct {
	// Data holds raw result records; each is parsed by its type adapter.
	Data []json.RawMessage `json:"data"`
	// Jobs lists jobs the worker executed successfully, including ones that produced no records.
	Jobs []JobRef `json:"jobs,omitempty"`
}

// CompletionResult is returned to workers after a completion is processed.
type CompletionResult struct {
	OK bool `json:"ok"`
}

// QueueStats summarizes the dispatcher's working set.
type QueueStats struct {
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
	Done    int `json:"done"`
}

// RecordEvent is published after a record has been stored.
type RecordEvent struct {
	UID        string    `json:"uid"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	StoredAt   time.Time `json:"storedAt"`
}
