// Package archive copies exported event logs to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

type MinioArchiver struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinio builds an archiver. It does not contact the server; the bucket is
// created lazily on first Archive.
func NewMinio(cfg Config) (*MinioArchiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive endpoint is not configured")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// ObjectKey names the archive object for an export of documentID taken at t.
func ObjectKey(documentID string, t time.Time) string {
	return fmt.Sprintf("documents/%s/collaboration-events/%s.json", documentID, t.UTC().Format("20060102T150405Z"))
}

// Archive stores data under a fresh key and returns the key.
func (a *MinioArchiver) Archive(ctx context.Context, documentID string, data []byte) (string, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return "", err
	}
	key := ObjectKey(documentID, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put archive object: %w", err)
	}
	return key, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check archive bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create archive bucket: %w", err)
	}
	return nil
}
