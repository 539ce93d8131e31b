//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket using the same
// digest-sharded key layout as the other backends.
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

// NewGCSStore builds a GCS-backed store using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(ref Ref) *storage.ObjectHandle {
	h := ref.Hex()
	return s.client.Bucket(s.bucket).Object(s.prefix + h[:2] + "/" + h[2:])
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref := RefOf(data)
	obj := s.object(ref)
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("artifacts: gcs write %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("artifacts: gcs commit %s: %w", ref, err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	r, err := s.object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", ref, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs read %s: %w", ref, err)
	}
	if RefOf(data) != ref {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, ref)
	}
	return data, nil
}

func (s *GCSStore) Has(ctx context.Context, ref Ref) (bool, error) {
	_, err := s.object(ref).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: gcs attrs %s: %w", ref, err)
}

func (s *GCSStore) Forget(ctx context.Context, ref Ref) error {
	err := s.object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", ref, err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
