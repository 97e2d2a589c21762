// Package gcs provides a RecordStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// RecordStore writes each record as a JSON object at prefix/collection/key.json.
type RecordStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed record store.
func New(client *storage.Client, cfg Config) (*RecordStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &RecordStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object path used for collection/key.
func ObjectName(prefix, collection, key string) string {
	return path.Join(strings.Trim(prefix, "/"), collection, key+".json")
}

// Put uploads the record, replacing any previous object under the same key.
func (s *RecordStore) Put(ctx context.Context, collection, key string, record any) error {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return fmt.Errorf("collection and key are required")
	}
	if strings.Contains(key, "/") {
		return fmt.Errorf("key %q must not contain '/'", key)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(ObjectName(s.prefix, collection, key)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(payload); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close releases the storage client.
func (s *RecordStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
