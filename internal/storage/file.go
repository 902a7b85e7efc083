package storage

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// fileStore keeps objects under root/<bucket>/<key>. Tags live in a
// JSON sidecar next to the object. Uploads write to a temp file in the
// destination directory and rename, so a concurrent download never sees
// a half-written object.
type fileStore struct {
	root string
	log  *zap.Logger
}

func newFileStore(root string) (*fileStore, error) {
	if root == "" {
		root = "."
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.WrapFault(types.CodeS3UploadFailed, "create storage root", err)
	}
	return &fileStore{root: root, log: logging.For(logging.CategoryStorage)}, nil
}

func (s *fileStore) path(bucket, key string) (string, error) {
	p := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", types.Faultf(types.CodeValidationFailed, "object key %q escapes the store root", key)
	}
	return p, nil
}

func (s *fileStore) UploadStream(ctx context.Context, bucket, key string, r io.Reader) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "create object directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "create temp object", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return types.WrapFault(types.CodeS3UploadFailed, "write "+key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return types.WrapFault(types.CodeS3UploadFailed, "flush "+key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return types.WrapFault(types.CodeS3UploadFailed, "publish "+key, err)
	}
	s.log.Debug("object stored", zap.String("bucket", bucket), zap.String("key", key))
	return nil
}

func (s *fileStore) DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, types.WrapFault(types.CodeS3DownloadFailed, "open "+key, err)
	}
	return f, nil
}

// PresignGet returns a file:// URL. The local backend has no notion of
// expiry; ttl is accepted for interface parity.
func (s *fileStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	p, err := s.path(bucket, key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", types.WrapFault(types.CodeS3DownloadFailed, "stat "+key, err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", types.WrapFault(types.CodeS3DownloadFailed, "resolve "+key, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *fileStore) SetTags(ctx context.Context, bucket, key string, tags map[string]string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "encode tags", err)
	}
	if err := os.WriteFile(p+".tags", raw, 0o644); err != nil {
		return types.WrapFault(types.CodeS3UploadFailed, "write tags for "+key, err)
	}
	return nil
}

func (s *fileStore) Close() error { return nil }
