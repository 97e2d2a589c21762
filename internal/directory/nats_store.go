package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Defaults for the NATS KV backend.
const (
	DefaultNATSBucket = "vine-directory"
	DefaultNATSKey    = "dispatcher"
)

// NATSConfig selects the JetStream key-value bucket and key holding the address.
type NATSConfig struct {
	URL    string
	Bucket string
	Key    string
}

func (c NATSConfig) withDefaults() NATSConfig {
	if strings.TrimSpace(c.Bucket) == "" {
		c.Bucket = DefaultNATSBucket
	}
	if strings.TrimSpace(c.Key) == "" {
		c.Key = DefaultNATSKey
	}
	return c
}

// NATSStore keeps the address in a JetStream key-value bucket, so several directory
// processes can serve the same value.
type NATSStore struct {
	kv   jetstream.KeyValue
	key  string
	conn *nats.Conn
}

// DialNATS connects to cfg.URL and opens the store. Close releases the connection.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATSStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("vine-directory"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	store, err := NewNATSStore(ctx, js, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	store.conn = nc
	return store, nil
}

// NewNATSStore creates (or reuses) the bucket on an existing JetStream context.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, cfg NATSConfig) (*NATSStore, error) {
	cfg = cfg.withDefaults()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "active dispatcher address",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %q: %w", cfg.Bucket, err)
	}
	return &NATSStore{kv: kv, key: cfg.Key}, nil
}

// Get implements Store. A missing or deleted key yields an empty address.
func (s *NATSStore) Get(ctx context.Context) (string, error) {
	entry, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get address: %w", err)
	}
	return string(entry.Value()), nil
}

// Set implements Store.
func (s *NATSStore) Set(ctx context.Context, address string) error {
	if _, err := s.kv.PutString(ctx, s.key, strings.TrimSpace(address)); err != nil {
		return fmt.Errorf("put address: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *NATSStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete address: %w", err)
	}
	return nil
}

// Close closes the connection opened by DialNATS.
func (s *NATSStore) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
