package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownRecordType is returned when a record's type discriminator is not recognized.
var ErrUnknownRecordType = errors.New("unknown record type")

// Record is a result record reduced to the stable stored schema.
type Record interface {
	// Ref identifies the job that produced the record.
	Ref() JobRef
	// Collection is the storage collection the record belongs in.
	Collection() string
	// Key is the record's key within its collection.
	Key() string
	// Candidates returns ids to feed back into the queue for discovery.
	Candidates() []string
}

// UserProfile is the stored subset of a user's profile.
type UserProfile struct {
	Type           JobType `json:"type"`
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	FollowerCount  int64   `json:"followerCount"`
	FollowingCount int64   `json:"followingCount"`
	LoopCount      int64   `json:"loopCount"`
	PostCount      int64   `json:"postCount"`
	Location       string  `json:"location,omitempty"`
}

// Ref implements Record.
func (p UserProfile) Ref() JobRef { return JobRef{Type: JobTypeUser, ID: p.ID} }

// Collection implements Record.
func (p UserProfile) Collection() string { return CollectionUsers }

// Key implements Record.
func (p UserProfile) Key() string { return p.ID }

// Candidates implements Record.
func (p UserProfile) Candidates() []string { return uniqueIDs([]string{p.ID}) }

// VineRecord is the stored subset of a single post from a user's timeline.
type VineRecord struct {
	Type          JobType   `json:"type"`
	ID            string    `json:"id"`
	PostID        string    `json:"postId"`
	LoopCount     int64     `json:"loopCount"`
	CommentsCount int64     `json:"commentsCount"`
	RepostsCount  int64     `json:"repostsCount"`
	LikesCount    int64     `json:"likesCount"`
	Created       time.Time `json:"created"`
	Tags          []string  `json:"tags"`
	Mentions      []string  `json:"mentions"`
	IsRepost      bool      `json:"isRepost"`
}

// Ref implements Record.
func (v VineRecord) Ref() JobRef { return JobRef{Type: JobTypeVine, ID: v.ID} }

// Collection implements Record.
func (v VineRecord) Collection() string { return CollectionVines }

// Key implements Record.
func (v VineRecord) Key() string {
	if v.PostID != "" {
		return v.PostID
	}
	return v.ID
}

// Candidates implements Record. The author comes first, followed by mentioned users.
func (v VineRecord) Candidates() []string {
	ids := make([]string, 0, len(v.Mentions)+1)
	ids = append(ids, v.ID)
	ids = append(ids, v.Mentions...)
	return uniqueIDs(ids)
}

// ParseRecord decodes a raw wire record using the adapter for its type.
func ParseRecord(raw json.RawMessage) (Record, error) {
	head := struct {
		Type JobType `json:"type"`
	}{Type: JobTypeUnknown}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode record header: %w", err)
	}
	switch head.Type {
	case JobTypeUser:
		var p UserProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode user profile: %w", err)
		}
		if strings.TrimSpace(p.ID) == "" {
			return nil, errors.New("user profile id is required")
		}
		p.Type = JobTypeUser
		return p, nil
	case JobTypeVine:
		var v VineRecord
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode vine record: %w", err)
		}
		if strings.TrimSpace(v.ID) == "" {
			return nil, errors.New("vine record id is required")
		}
		v.Type = JobTypeVine
		return v, nil
	default:
		return nil, ErrUnknownRecordType
	}
}

// IsRepost reports whether r is a repost that should not be persisted.
func IsRepost(r Record) bool {
	v, ok := r.(VineRecord)
	return ok && v.IsRepost
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
