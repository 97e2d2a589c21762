// Package vine is a client for the Vine JSON API. It fetches user profiles and paginated
// timelines and reduces them to the crawler's stored record schema.
package vine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultBaseURL   = "https://api.vineapp.com"
	DefaultPageSize  = 1000
	DefaultUserAgent = "com.vine.iphone/1.0.3 (unknown, iPhone OS 8.3.0, iPhone, Scale/2.000000)"
	DefaultTimeout   = 30 * time.Second
)

// ErrAPI is wrapped by errors reported inside an unsuccessful response envelope.
var ErrAPI = errors.New("vine api error")

var mentionLink = regexp.MustCompile(`/(\d+)$`)

// Waiter throttles outgoing requests. *ratelimit.Limiter implements it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config configures the API client.
type Config struct {
	BaseURL    string
	SessionKey string
	PageSize   int
	UserAgent  string
	Timeout    time.Duration
}

// Client implements crawler.APIClient.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
}

var _ crawler.APIClient = (*Client)(nil)

// New creates a Client. hc and limiter may be nil.
func New(cfg Config, hc *http.Client, limiter Waiter) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc, limiter: limiter}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type userData struct {
	UserID         json.Number `json:"userId"`
	Username       string      `json:"username"`
	FollowerCount  int64       `json:"followerCount"`
	FollowingCount int64       `json:"followingCount"`
	LoopCount      int64       `json:"loopCount"`
	PostCount      int64       `json:"postCount"`
	Location       string      `json:"location"`
}

type countRecord struct {
	Count int64 `json:"count"`
}

type entity struct {
	Type string `json:"type"`
	Link string `json:"link"`
}

type videoRecord struct {
	UserID   json.Number       `json:"userId"`
	PostID   json.Number       `json:"postId"`
	Loops    countRecord       `json:"loops"`
	Comments countRecord       `json:"comments"`
	Reposts  countRecord       `json:"reposts"`
	Likes    countRecord       `json:"likes"`
	Created  string            `json:"created"`
	Tags     []json.RawMessage `json:"tags"`
	Entities []entity          `json:"entities"`
	Repost   json.RawMessage   `json:"repost"`
}

type page struct {
	Count   int           `json:"count"`
	Size    int           `json:"size"`
	Records []videoRecord `json:"records"`
}

// FetchProfile returns the stored subset of a user's profile.
func (c *Client) FetchProfile(ctx context.Context, id string) (crawler.UserProfile, error) {
	var data userData
	err := c.get(ctx, "users/profiles/"+url.PathEscape(id), nil, &data)
	metrics.ObserveAPIRequest("profile", err)
	if err != nil {
		return crawler.UserProfile{}, fmt.Errorf("fetch profile %s: %w", id, err)
	}
	return crawler.UserProfile{
		Type:           crawler.JobTypeUser,
		ID:             id,
		Username:       data.Username,
		FollowerCount:  data.FollowerCount,
		FollowingCount: data.FollowingCount,
		LoopCount:      data.LoopCount,
		PostCount:      data.PostCount,
		Location:       data.Location,
	}, nil
}

// FetchTimeline returns every post on a user's timeline. The first page reports the total
// count and the page size; the remaining pages are fetched in order.
func (c *Client) FetchTimeline(ctx context.Context, id string) ([]crawler.VineRecord, error) {
	path := "timelines/users/" + url.PathEscape(id)

	var first page
	err := c.get(ctx, path, url.Values{"size": {strconv.Itoa(c.cfg.PageSize)}}, &first)
	metrics.ObserveAPIRequest("timeline", err)
	if err != nil {
		return nil, fmt.Errorf("fetch timeline %s: %w", id, err)
	}

	records := make([]crawler.VineRecord, 0, max(first.Count, len(first.Records)))
	for _, r := range first.Records {
		records = append(records, adaptVine(id, r))
	}
	if first.Size <= 0 {
		return records, nil
	}
	totalPages := (first.Count + first.Size - 1) / first.Size
	for n := 2; n <= totalPages; n++ {
		var next page
		err := c.get(ctx, path, url.Values{
			"size": {strconv.Itoa(first.Size)},
			"page": {strconv.Itoa(n)},
		}, &next)
		metrics.ObserveAPIRequest("timeline", err)
		if err != nil {
			return nil, fmt.Errorf("fetch timeline %s page %d: %w", id, n, err)
		}
		for _, r := range next.Records {
			records = append(records, adaptVine(id, r))
		}
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.cfg.BaseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	if c.cfg.SessionKey != "" {
		req.Header.Set("vine-session-id", c.cfg.SessionKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrAPI, msg)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func adaptVine(authorID string, r videoRecord) crawler.VineRecord {
	return crawler.VineRecord{
		Type:          crawler.JobTypeVine,
		ID:            authorID,
		PostID:        r.PostID.String(),
		LoopCount:     r.Loops.Count,
		CommentsCount: r.Comments.Count,
		RepostsCount:  r.Reposts.Count,
		LikesCount:    r.Likes.Count,
		Created:       parseCreated(r.Created),
		Tags:          parseTags(r.Tags),
		Mentions:      mentionIDs(r.Entities),
		IsRepost:      isPresent(r.Repost),
	}
}

// mentionIDs extracts mentioned user ids from entity links of the form vine://user-id/<id>.
// Entities that are not mentions, or whose link does not end in a numeric id, are skipped.
func mentionIDs(entities []entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if e.Type != "mention" {
			continue
		}
		m := mentionLink.FindStringSubmatch(e.Link)
		if m == nil {
			continue
		}
		ids = append(ids, m[1])
	}
	return ids
}

var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
}

func parseCreated(raw string) time.Time {
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseTags accepts plain strings or objects carrying a "tag" field.
func parseTags(raw []json.RawMessage) []string {
	tags := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			if s != "" {
				tags = append(tags, s)
			}
			continue
		}
		var obj struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.Tag != "" {
			tags = append(tags, obj.Tag)
		}
	}
	return tags
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
