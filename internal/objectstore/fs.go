package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

// FSStore keeps blobs under root/<bucket>/<key> on the local filesystem.
// Used for single-host deployments and tests.
type FSStore struct {
	root    string
	buckets []string
	logger  *slog.Logger
}

func NewFSStore(root string, buckets []string, logger *slog.Logger) *FSStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{root: root, buckets: buckets, logger: logger}
}

func (s *FSStore) EnsureBuckets(_ context.Context) error {
	for _, b := range s.buckets {
		if err := os.MkdirAll(filepath.Join(s.root, b), 0o755); err != nil {
			return fmt.Errorf("%w: create bucket %s: %v", common.ErrStorage, b, err)
		}
	}
	return nil
}

func (s *FSStore) Put(ctx context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	dst, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write %s/%s: %v", common.ErrStorage, bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	s.logger.Debug("object stored", "bucket", bucket, "key", key)
	return nil
}

func (s *FSStore) FetchTo(ctx context.Context, bucket, key, localPath string) error {
	src, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return common.NewAppError("BLOB_NOT_FOUND", bucket+"/"+key, common.ErrNotFound)
		}
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	defer in.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: copy %s/%s: %v", common.ErrStorage, bucket, key, err)
	}
	return out.Close()
}

func (s *FSStore) Remove(_ context.Context, bucket, key string) error {
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", common.ErrStorage, err)
	}
	return nil
}

func (s *FSStore) Ping(_ context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

func (s *FSStore) path(bucket, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(key)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
