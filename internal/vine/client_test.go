package vine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/policy/ratelimit"
)

func TestFetchProfile(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/profiles/934940633704046592", r.URL.Path)
		require.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		require.Equal(t, "sess", r.Header.Get("vine-session-id"))
		_, _ = fmt.Fprint(w, `{"success":true,"error":"","data":{
			"userId":934940633704046592,"username":"alice","followerCount":10,
			"followingCount":3,"loopCount":12345,"postCount":7,"location":"Stockholm"}}`)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, SessionKey: "sess"}, ts.Client(), nil)
	p, err := c.FetchProfile(context.Background(), "934940633704046592")
	require.NoError(t, err)
	require.Equal(t, crawler.UserProfile{
		Type:           crawler.JobTypeUser,
		ID:             "934940633704046592",
		Username:       "alice",
		FollowerCount:  10,
		FollowingCount: 3,
		LoopCount:      12345,
		PostCount:      7,
		Location:       "Stockholm",
	}, p)
}

func TestFetchProfileAPIError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"success":false,"error":"That record does not exist.","data":""}`)
	}))
	defer ts.Close()

	_, err := New(Config{BaseURL: ts.URL}, ts.Client(), nil).FetchProfile(context.Background(), "1")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAPI))
	require.Contains(t, err.Error(), "does not exist")
}

func TestFetchProfileBadBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprint(w, "<html>bad gateway</html>")
	}))
	defer ts.Close()

	_, err := New(Config{BaseURL: ts.URL}, ts.Client(), nil).FetchProfile(context.Background(), "1")
	require.ErrorContains(t, err, "unexpected status 502")
}

func TestFetchTimelinePaginates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/timelines/users/42", r.URL.Path)
		pageNo := r.URL.Query().Get("page")
		size := r.URL.Query().Get("size")
		switch pageNo {
		case "":
			require.Equal(t, "1000", size)
			_, _ = fmt.Fprint(w, timelinePage(5, 2, 100, 101))
		case "2":
			require.Equal(t, "2", size)
			_, _ = fmt.Fprint(w, timelinePage(5, 2, 102, 103))
		case "3":
			_, _ = fmt.Fprint(w, timelinePage(5, 2, 104))
		default:
			t.Errorf("unexpected page %q", pageNo)
		}
	}))
	defer ts.Close()

	recs, err := New(Config{BaseURL: ts.URL}, ts.Client(), nil).FetchTimeline(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, recs, 5)
	require.EqualValues(t, 3, calls.Load())
	for i, r := range recs {
		require.Equal(t, "42", r.ID)
		require.Equal(t, strconv.Itoa(100+i), r.PostID)
		require.Equal(t, crawler.JobTypeVine, r.Type)
	}
}

func TestFetchTimelineAdaptsRecords(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"success":true,"data":{"count":2,"size":100,"records":[
			{"userId":42,"postId":1234567890123456789,
			 "loops":{"count":900},"comments":{"count":4},"reposts":{"count":2},"likes":{"count":31},
			 "created":"2015-05-21T17:41:46.000000",
			 "tags":["fun",{"tag":"cats"},{"other":1}],
			 "entities":[
				{"type":"mention","link":"vine://user-id/912665006900916224"},
				{"type":"tag","link":"vine://tag/cats"},
				{"type":"mention","link":"vine://user-id/not-a-number"}
			 ]},
			{"userId":42,"postId":2,"loops":{"count":1},"comments":{"count":0},"reposts":{"count":0},
			 "likes":{"count":0},"created":"2015-01-01T00:00:00Z","tags":[],"entities":[],
			 "repost":{"user":{"userId":7}}}
		]}}`)
	}))
	defer ts.Close()

	recs, err := New(Config{BaseURL: ts.URL}, ts.Client(), nil).FetchTimeline(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	require.Equal(t, "1234567890123456789", first.PostID)
	require.EqualValues(t, 900, first.LoopCount)
	require.EqualValues(t, 4, first.CommentsCount)
	require.EqualValues(t, 2, first.RepostsCount)
	require.EqualValues(t, 31, first.LikesCount)
	require.Equal(t, time.Date(2015, 5, 21, 17, 41, 46, 0, time.UTC), first.Created)
	require.Equal(t, []string{"fun", "cats"}, first.Tags)
	require.Equal(t, []string{"912665006900916224"}, first.Mentions)
	require.False(t, first.IsRepost)

	require.True(t, recs[1].IsRepost)
	require.Empty(t, recs[1].Mentions)
}

func TestFetchTimelineEmpty(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"success":true,"data":{"count":0,"size":0,"records":[]}}`)
	}))
	defer ts.Close()

	recs, err := New(Config{BaseURL: ts.URL}, ts.Client(), nil).FetchTimeline(context.Background(), "42")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestFetchTimelinePageError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = fmt.Fprint(w, `{"success":false,"error":"rate limited"}`)
			return
		}
		_, _ = fmt.Fprint(w, timelinePage(3, 2, 1, 2))
	}))
	defer ts.Close()

	_, err := New(Config{BaseURL: ts.URL}, ts.Client(), nil).FetchTimeline(context.Background(), "42")
	require.ErrorIs(t, err, ErrAPI)
	require.Contains(t, err.Error(), "page 2")
}

func TestClientUsesLimiter(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"success":true,"data":{"userId":1,"username":"u"}}`)
	}))
	defer ts.Close()

	w := &countingWaiter{}
	c := New(Config{BaseURL: ts.URL}, ts.Client(), w)
	_, err := c.FetchProfile(context.Background(), "1")
	require.NoError(t, err)
	require.EqualValues(t, 1, w.n.Load())

	w.err = errors.New("limited")
	_, err = c.FetchProfile(context.Background(), "1")
	require.ErrorContains(t, err, "limited")
}

func TestClientWithRateLimiter(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"success":true,"data":{"userId":1,"username":"u"}}`)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL}, ts.Client(), ratelimit.New(ratelimit.Config{DefaultRPS: 1000, DefaultBurst: 5}))
	for range 3 {
		_, err := c.FetchProfile(context.Background(), "1")
		require.NoError(t, err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	c := New(Config{BaseURL: " https://example.test/ "}, nil, nil)
	require.Equal(t, "https://example.test", c.cfg.BaseURL)
	require.Equal(t, DefaultPageSize, c.cfg.PageSize)
	require.Equal(t, DefaultTimeout, c.http.Timeout)

	c = New(Config{}, nil, nil)
	require.Equal(t, DefaultBaseURL, c.cfg.BaseURL)
}

func TestMentionIDs(t *testing.T) {
	t.Parallel()

	got := mentionIDs([]entity{
		{Type: "mention", Link: "vine://user-id/1"},
		{Type: "mention", Link: "vine://user-id/22/"},
		{Type: "post", Link: "vine://post/3"},
		{Type: "mention", Link: "vine://user-id/44"},
	})
	require.Equal(t, []string{"1", "44"}, got)
}

type countingWaiter struct {
	n   atomic.Int32
	err error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.n.Add(1)
	return w.err
}

func timelinePage(count, size int, postIDs ...int) string {
	recs := ""
	for i, id := range postIDs {
		if i > 0 {
			recs += ","
		}
		recs += fmt.Sprintf(`{"userId":42,"postId":%d,"loops":{"count":1},"comments":{"count":0},`+
			`"reposts":{"count":0},"likes":{"count":0},"created":"2015-01-01T00:00:00Z","tags":[],"entities":[]}`, id)
	}
	return fmt.Sprintf(`{"success":true,"data":{"count":%d,"size":%d,"records":[%s]}}`, count, size, recs)
}
