package content

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const codeNoSuchKey = "NoSuchKey"

// MinioConfig holds the S3 connection settings.
type MinioConfig struct {
	// Endpoint accepts "minio:9000" or a URL such as "https://minio:9000".
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Minio stores objects in one S3 bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
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
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinio connects to the endpoint and checks that the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
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

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}

	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// Put streams r with unknown length; minio-go switches to multipart upload.
func (m *Minio) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidKey(key); err != nil {
		return 0, err
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return info.Size, nil
}

func (m *Minio) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrap(key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before any bytes are sent.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, m.wrap(key, err)
	}
	return obj, nil
}

func (m *Minio) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidKey(key); err != nil {
		return false, err
	}
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == codeNoSuchKey {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Delete relies on S3 semantics: removing a missing object succeeds.
func (m *Minio) Delete(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return m.wrap(key, err)
	}
	return nil
}

func (m *Minio) wrap(key string, err error) error {
	if minio.ToErrorResponse(err).Code == codeNoSuchKey {
		return ErrNotFound
	}
	return fmt.Errorf("object %s: %w", key, err)
}

// Ping checks that the bucket is reachable.
func (m *Minio) Ping(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket does not exist: %s", m.bucket)
	}
	return nil
}
