package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Buckets   []string
}

// MinioStore is a Store backed by an S3-compatible MinIO server.
type MinioStore struct {
	client  *minio.Client
	buckets []string
	logger  *slog.Logger
}

func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Error("failed to create minio client", "endpoint", cfg.Endpoint, "error", err)
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client, buckets: cfg.Buckets, logger: logger}, nil
}

func (s *MinioStore) EnsureBuckets(ctx context.Context) error {
	for _, b := range s.buckets {
		exists, err := s.client.BucketExists(ctx, b)
		if err != nil {
			s.logger.Error("bucket check failed", "bucket", b, "error", err)
			return common.NewAppError("STORAGE_ERROR", "check bucket "+b, fmt.Errorf("%w: %v", common.ErrStorage, err))
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, b, minio.MakeBucketOptions{}); err != nil {
			// another process may have created it in between
			if again, checkErr := s.client.BucketExists(ctx, b); checkErr == nil && again {
				continue
			}
			s.logger.Error("bucket create failed", "bucket", b, "error", err)
			return common.NewAppError("STORAGE_ERROR", "create bucket "+b, fmt.Errorf("%w: %v", common.ErrStorage, err))
		}
		s.logger.Info("bucket created", "bucket", b)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		s.logger.Error("object put failed", "bucket", bucket, "key", key, "error", err)
		return fmt.Errorf("%w: put %s/%s: %v", common.ErrStorage, bucket, key, err)
	}
	s.logger.Debug("object stored", "bucket", bucket, "key", key, "size", info.Size)
	return nil
}

func (s *MinioStore) FetchTo(ctx context.Context, bucket, key, localPath string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.FGetObject(ctx, bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return common.NewAppError("BLOB_NOT_FOUND", bucket+"/"+key, common.ErrNotFound)
		}
		s.logger.Error("object fetch failed", "bucket", bucket, "key", key, "error", err)
		return fmt.Errorf("%w: get %s/%s: %v", common.ErrStorage, bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Remove(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		s.logger.Warn("object remove failed", "bucket", bucket, "key", key, "error", err)
		return fmt.Errorf("%w: remove %s/%s: %v", common.ErrStorage, bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	if len(s.buckets) == 0 {
		_, err := s.client.ListBuckets(ctx)
		return err
	}
	_, err := s.client.BucketExists(ctx, s.buckets[0])
	return err
}
