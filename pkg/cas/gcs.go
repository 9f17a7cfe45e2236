//go:build gcp

package cas

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is a Google Cloud Storage backed Store.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed CAS store using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cas: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(digest string) string {
	return s.prefix + digest + ".blob"
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	key := KeyFor(data)
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(key[len(KeyPrefix):]))

	if _, err := obj.Attrs(ctx); err == nil {
		return key, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("cas: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("cas: gcs close: %w", err)
	}
	return key, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	digest, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(s.bucket).Object(s.objectPath(digest)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, faultNotFound(key)
		}
		return nil, fmt.Errorf("cas: gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("cas: gcs read %s: %w", key, err)
	}
	if err := verify(key, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	digest, err := ParseKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.Bucket(s.bucket).Object(s.objectPath(digest)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("cas: gcs attrs: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	digest, err := ParseKey(key)
	if err != nil {
		return err
	}

	err = s.client.Bucket(s.bucket).Object(s.objectPath(digest)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("cas: gcs delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
