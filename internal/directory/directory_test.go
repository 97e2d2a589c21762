package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDirectory(t *testing.T, store Store) (*httptest.Server, *Client) {
	t.Helper()
	ts := httptest.NewServer(NewServer(store, zap.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts, NewClient(ts.URL, ts.Client())
}

func TestServerGetEmptyReturnsNull(t *testing.T) {
	t.Parallel()

	ts, _ := newDirectory(t, NewMemoryStore())
	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body map[string]any
	require.NoError(t, decodeBody(resp, &body))
	require.Contains(t, body, "address")
	require.Nil(t, body["address"])
}

func TestServerPutPathAndBody(t *testing.T) {
	t.Parallel()

	ts, client := newDirectory(t, NewMemoryStore())
	ctx := context.Background()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ts.URL+"/10.0.0.5:8080", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	var out Response
	require.NoError(t, decodeBody(resp, &out))
	_ = resp.Body.Close()
	require.NotNil(t, out.Address)
	require.Equal(t, "10.0.0.5:8080", *out.Address)

	got, err := client.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:8080", got)

	require.NoError(t, client.Put(ctx, "http://dispatch:9000"))
	got, err = client.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "http://dispatch:9000", got)

	require.NoError(t, client.Delete(ctx))
	got, err = client.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestServerPutRequiresAddress(t *testing.T) {
	t.Parallel()

	ts, _ := newDirectory(t, NewMemoryStore())
	for _, body := range []string{"", `{"address":"  "}`, "{bad"} {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/", strings.NewReader(body))
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestClientWaitForAddress(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, client := newDirectory(t, store)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Set(context.Background(), "dispatch:1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := client.WaitForAddress(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "dispatch:1", addr)
}

func TestClientWaitForAddressHonorsContext(t *testing.T) {
	t.Parallel()

	_, client := newDirectory(t, NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WaitForAddress(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientRegisterAndRelease(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, client := newDirectory(t, store)
	ctx := context.Background()

	release, err := client.Register(ctx, "dispatch:1")
	require.NoError(t, err)
	got, _ := store.Get(ctx)
	require.Equal(t, "dispatch:1", got)

	require.NoError(t, release(ctx))
	got, _ = store.Get(ctx)
	require.Empty(t, got)
}

func TestClientReleaseKeepsNewerAddress(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, client := newDirectory(t, store)
	ctx := context.Background()

	release, err := client.Register(ctx, "old:1")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "new:2"))

	require.NoError(t, release(ctx))
	got, _ := store.Get(ctx)
	require.Equal(t, "new:2", got)
}

// pathOnlyDirectory serves only the address-in-path form of PUT.
func pathOnlyDirectory(t *testing.T) (*httptest.Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		addr, _ := store.Get(r.Context())
		writeAddress(w, addr)
	})
	r.Put("/{address}", func(w http.ResponseWriter, r *http.Request) {
		addr := chi.URLParam(r, "address")
		if err := store.Set(r.Context(), addr); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeAddress(w, addr)
	})
	r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Clear(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeAddress(w, "")
	})
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, store
}

func TestClientRegistersThroughAddressPath(t *testing.T) {
	t.Parallel()

	ts, store := pathOnlyDirectory(t)
	client := NewClient(ts.URL, ts.Client())
	ctx := context.Background()

	release, err := client.Register(ctx, "10.0.0.5:8080")
	require.NoError(t, err)
	got, _ := store.Get(ctx)
	require.Equal(t, "10.0.0.5:8080", got)

	addr, err := client.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:8080", addr)

	require.NoError(t, release(ctx))
	got, _ = store.Get(ctx)
	require.Empty(t, got)
}

func TestClientPutEscapesFullURL(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, client := newDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, client.Put(ctx, "http://dispatch.internal:8080"))
	got, _ := store.Get(ctx)
	require.Equal(t, "http://dispatch.internal:8080", got)
	require.Error(t, client.Put(ctx, ""))
}

func TestClientRegisterRejectsEmptyAddress(t *testing.T) {
	t.Parallel()

	_, client := newDirectory(t, NewMemoryStore())
	_, err := client.Register(context.Background(), " ")
	require.Error(t, err)
}

func TestClientErrors(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", nil).Get(context.Background())
	require.ErrorContains(t, err, "url is not set")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()
	_, err = NewClient(ts.URL, ts.Client()).Get(context.Background())
	require.ErrorContains(t, err, "status 502")
}

func TestNATSStore(t *testing.T) {
	t.Parallel()

	js := startEmbeddedNATS(t)
	ctx := context.Background()

	store, err := NewNATSStore(ctx, js, NATSConfig{})
	require.NoError(t, err)

	got, err := store.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, store.Set(ctx, "dispatch:8080"))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "dispatch:8080", got)

	// A second store on the same bucket sees the same value.
	other, err := NewNATSStore(ctx, js, NATSConfig{Bucket: DefaultNATSBucket, Key: DefaultNATSKey})
	require.NoError(t, err)
	got, err = other.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "dispatch:8080", got)

	require.NoError(t, store.Clear(ctx))
	got, err = other.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, store.Clear(ctx))
}

func TestNATSStoreBehindServer(t *testing.T) {
	t.Parallel()

	js := startEmbeddedNATS(t)
	store, err := NewNATSStore(context.Background(), js, NATSConfig{Bucket: "dir-test", Key: "addr"})
	require.NoError(t, err)
	_, client := newDirectory(t, store)

	release, err := client.Register(context.Background(), "10.1.1.1:8080")
	require.NoError(t, err)
	got, err := client.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.1.1.1:8080", got)
	require.NoError(t, release(context.Background()))
	got, err = client.Get(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDialNATSRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := DialNATS(context.Background(), NATSConfig{})
	require.Error(t, err)
}

func startEmbeddedNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func decodeBody(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}
