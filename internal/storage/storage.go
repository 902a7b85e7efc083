// Package storage is the object store jobs stream artifacts through.
// Backends are selected by URL scheme: file:// keeps objects in a local
// directory tree and is the development default; gs:// talks to Google
// Cloud Storage. Both present the same Store surface, so callers never
// branch on the backend.
package storage

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Store is the object storage surface. Implementations are safe for
// concurrent use.
type Store interface {
	// UploadStream writes everything from r to bucket/key.
	UploadStream(ctx context.Context, bucket, key string, r io.Reader) error
	// DownloadStream opens bucket/key for reading. The caller closes it.
	DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// PresignGet returns a URL that grants read access for ttl.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	// SetTags replaces the object's tag set.
	SetTags(ctx context.Context, bucket, key string, tags map[string]string) error
	Close() error
}

// Open builds a store from a URL. file://<root> roots a directory tree;
// gs://<bucket>[/<prefix>] uses the URL host as the default bucket for
// calls that pass an empty bucket. A bare path is treated as file://.
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.WrapFault(types.CodeValidationFailed, "parse storage url", err)
	}
	switch u.Scheme {
	case "file":
		return newFileStore(joinFileURL(u))
	case "":
		return newFileStore(rawURL)
	case "gs":
		return newGCSStore(u.Host, strings.Trim(u.Path, "/")), nil
	default:
		return nil, types.Faultf(types.CodeValidationFailed, "unsupported storage scheme %q", u.Scheme)
	}
}

// joinFileURL folds host and path back together so both
// file://data/objects (relative) and file:///var/lib/mgf (absolute)
// mean what they look like.
func joinFileURL(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + u.Path
}
