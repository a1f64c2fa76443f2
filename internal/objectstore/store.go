package objectstore

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

// Store keeps raw blobs by bucket and key.
type Store interface {
	// EnsureBuckets creates the configured buckets when they are missing.
	EnsureBuckets(ctx context.Context) error
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	// FetchTo downloads the object into localPath. A missing object returns common.ErrNotFound.
	FetchTo(ctx context.Context, bucket, key, localPath string) error
	Remove(ctx context.Context, bucket, key string) error
	Ping(ctx context.Context) error
}

// ValidateKey rejects keys that could escape their bucket when mapped onto a path.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return common.NewAppError("INVALID_KEY", "invalid object key "+key, common.ErrInvalidInput)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return common.NewAppError("INVALID_KEY", "invalid object key "+key, common.ErrInvalidInput)
		}
	}
	if path.Clean(key) != key {
		return common.NewAppError("INVALID_KEY", "invalid object key "+key, common.ErrInvalidInput)
	}
	return nil
}
