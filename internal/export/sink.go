package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink stores an export and returns a URL it can be downloaded from.
type Sink interface {
	Put(ctx context.Context, key string, result *Result) (string, error)
}

// MinioConfig describes an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LinkTTL   time.Duration
}

// MinioSink uploads exports to an S3-compatible bucket and hands out
// presigned download links.
type MinioSink struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinioSink connects and creates the bucket if it does not exist.
func NewMinioSink(ctx context.Context, cfg MinioConfig) (*MinioSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MinioSink{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

func (s *MinioSink) Put(ctx context.Context, key string, result *Result) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(result.Data), int64(len(result.Data)), minio.PutObjectOptions{
		ContentType: result.MimeType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	link, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return link.String(), nil
}
