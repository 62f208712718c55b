package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var _ Storage = (*MinioStorage)(nil)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// MinioStorage keeps files as objects in an existing bucket.
type MinioStorage struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioStorage(ctx context.Context, cfg MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	// Sanity check: bucket must exist.
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinioStorage) Write(ctx context.Context, r io.Reader, suggestedName string) (Handle, int64, error) {
	h := newHandle(suggestedName)
	info, err := m.client.PutObject(ctx, m.bucket, m.prefix+h, r, -1, minio.PutObjectOptions{
		ContentType: "application/epub+zip",
	})
	if err != nil {
		return "", 0, err
	}
	return h, info.Size, nil
}

func (m *MinioStorage) Open(ctx context.Context, h Handle) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.prefix+h, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing object now rather than
	// on the first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (m *MinioStorage) Delete(ctx context.Context, h Handle) error {
	return m.client.RemoveObject(ctx, m.bucket, m.prefix+h, minio.RemoveObjectOptions{})
}

// normaliseEndpoint accepts either "minio:9000" or
// "http://minio:9000" / "https://minio:9000".
func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// Bare host:port is taken as plain HTTP, the usual local MinIO setup.
	return raw, false, nil
}
