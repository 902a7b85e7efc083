package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// gcsStore talks to Google Cloud Storage. The client is built on first
// use, so a process configured for gs:// but serving only cached work
// never needs credentials resolved.
type gcsStore struct {
	defaultBucket string
	prefix        string

	mu     sync.Mutex
	client *gcs.Client

	log *zap.Logger
}

func newGCSStore(bucket, prefix string) *gcsStore {
	return &gcsStore{
		defaultBucket: bucket,
		prefix:        prefix,
		log:           logging.For(logging.CategoryStorage),
	}
}

func (s *gcsStore) conn(ctx context.Context) (*gcs.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *gcsStore) object(client *gcs.Client, bucket, key string) *gcs.ObjectHandle {
	return s.bucketHandle(client, bucket).Object(s.objectKey(key))
}

func (s *gcsStore) bucketHandle(client *gcs.Client, bucket string) *gcs.BucketHandle {
	if bucket == "" {
		bucket = s.defaultBucket
	}
	return client.Bucket(bucket)
}

func (s *gcsStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *gcsStore) UploadStream(ctx context.Context, bucket, key string, r io.Reader) error {
	client, err := s.conn(ctx)
	if err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "upload "+key, err)
	}
	w := s.object(client, bucket, key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return types.WrapFault(types.CodeS3UploadFailed, "upload "+key, err)
	}
	// Writes surface errors at Close, not Copy.
	if err := w.Close(); err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "upload "+key, err)
	}
	s.log.Debug("object stored", zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

func (s *gcsStore) DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return nil, types.WrapFault(types.CodeS3DownloadFailed, "download "+key, err)
	}
	r, err := s.object(client, bucket, key).NewReader(ctx)
	if err != nil {
		return nil, types.WrapFault(types.CodeS3DownloadFailed, "download "+key, err)
	}
	return r, nil
}

func (s *gcsStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	client, err := s.conn(ctx)
	if err != nil {
		return "", types.WrapFault(types.CodeS3DownloadFailed, "presign "+key, err)
	}
	u, err := s.bucketHandle(client, bucket).SignedURL(s.objectKey(key), &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", types.WrapFault(types.CodeS3DownloadFailed, "presign "+key, err)
	}
	return u, nil
}

func (s *gcsStore) SetTags(ctx context.Context, bucket, key string, tags map[string]string) error {
	client, err := s.conn(ctx)
	if err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "tag "+key, err)
	}
	_, err = s.object(client, bucket, key).Update(ctx, gcs.ObjectAttrsToUpdate{Metadata: tags})
	if err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "tag "+key, err)
	}
	return nil
}

func (s *gcsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
