// Package objectstore uploads build context archives to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
)

// ContentType of an uploaded build context
const ContentType = "application/x-tar"

// MinioUploader uploads archives with the MinIO client
type MinioUploader struct {
	logger *zap.Logger
}

// NewMinioUploader creates a new uploader
func NewMinioUploader(logger *zap.Logger) *MinioUploader {
	return &MinioUploader{logger: logger}
}

// Upload stores data under key in cfg.Bucket, creating the bucket if it does not exist
func (u *MinioUploader) Upload(ctx context.Context, cfg domain.ObjectStoreConfig, key string, data []byte) error {
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	if err := ensureBucket(ctx, client, cfg); err != nil {
		return err
	}

	info, err := client.PutObject(
		ctx,
		cfg.Bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: ContentType,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	u.logger.Debug("Uploaded object",
		zap.String("bucket", cfg.Bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag),
	)
	return nil
}

func newClient(cfg domain.ObjectStoreConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return client, nil
}

// ensureBucket creates cfg.Bucket when missing. Losing a creation race to
// another uploader is not an error.
func ensureBucket(ctx context.Context, client *minio.Client, cfg domain.ObjectStoreConfig) error {
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if exists {
		return nil
	}

	err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
	if err == nil {
		return nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	return fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
}
