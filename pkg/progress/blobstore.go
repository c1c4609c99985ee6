package progress

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	// Bucket drivers are opt-in - import in your application code:
	// _ "gocloud.dev/blob/fileblob" // local directory
	// _ "gocloud.dev/blob/memblob"  // in-memory (tests)
	// _ "gocloud.dev/blob/s3blob"   // Amazon S3
	// _ "gocloud.dev/blob/gcsblob"  // Google Cloud Storage
	// _ "gocloud.dev/blob/azureblob" // Azure Blob Storage
)

// BlobStore persists records in a Go Cloud blob bucket using the same byte
// layout as FileStore, one object per topic. Useful where local disk is
// ephemeral (containers) and progress should survive in object storage.
type BlobStore struct {
	bucket    *blob.Bucket
	keyPrefix string
	ownBucket bool
}

// BlobStoreOption configures a BlobStore.
type BlobStoreOption func(*BlobStore)

// WithKeyPrefix prepends prefix to every object key, for sharing a bucket
// with other state.
func WithKeyPrefix(prefix string) BlobStoreOption {
	return func(s *BlobStore) {
		s.keyPrefix = prefix
	}
}

// NewBlobStore wraps an already-open bucket. The caller keeps ownership of
// the bucket's lifetime.
func NewBlobStore(bucket *blob.Bucket, opts ...BlobStoreOption) *BlobStore {
	s := &BlobStore{bucket: bucket}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenBlobStore opens the bucket identified by url and wraps it.
//
// URL formats (driver import required):
//   - "mem://" for tests
//   - "file:///var/lib/querytail/subscribe" for a local directory
//   - "s3://bucket-name?region=us-east-1" for S3
func OpenBlobStore(ctx context.Context, url string, opts ...BlobStoreOption) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open progress bucket %q: %w", url, err)
	}
	s := NewBlobStore(bucket, opts...)
	s.ownBucket = true
	return s, nil
}

func (s *BlobStore) key(topic string) string {
	return s.keyPrefix + topic
}

// Save writes the record for topic.
func (s *BlobStore) Save(ctx context.Context, topic string, rec Record) error {
	if err := s.bucket.WriteAll(ctx, s.key(topic), Marshal(rec), nil); err != nil {
		return fmt.Errorf("write progress record for %q: %w", topic, err)
	}
	return nil
}

// Load reads the record for topic. A missing object is a cold start.
func (s *BlobStore) Load(ctx context.Context, topic string) (Record, bool, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(topic))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read progress record for %q: %w", topic, err)
	}

	rec, err := Unmarshal(data)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse progress record for %q: %w", topic, err)
	}
	return rec, true, nil
}

// Delete removes the record for topic, if present.
func (s *BlobStore) Delete(ctx context.Context, topic string) error {
	err := s.bucket.Delete(ctx, s.key(topic))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("remove progress record for %q: %w", topic, err)
	}
	return nil
}

// Close releases the bucket if this store opened it.
func (s *BlobStore) Close() error {
	if !s.ownBucket {
		return nil
	}
	return s.bucket.Close()
}
