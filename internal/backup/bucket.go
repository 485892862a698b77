package backup

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/fieldsync/internal/config"
)

// Bucket is remote object storage addressed by key.
type Bucket interface {
	PutFile(ctx context.Context, key, filePath, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
}

type minioBucket struct {
	client *minio.Client
	name   string
}

func (b *minioBucket) PutFile(ctx context.Context, key, filePath, contentType string) error {
	_, err := b.client.FPutObject(ctx, b.name, key, filePath, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// PresignGet signs a download that saves under the key's base name.
func (b *minioBucket) PresignGet(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	return b.client.PresignedGetObject(ctx, b.name, key, expiry, params)
}

// OpenBucket connects to the configured S3-compatible bucket. It returns a
// nil Bucket when no bucket is configured.
func OpenBucket(cfg config.BackupStorageConfig) (Bucket, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	secure := true
	if cfg.UseSSL != nil {
		secure = *cfg.UseSSL
	}
	host := minioHost(cfg.Endpoint, &secure)

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return &minioBucket{client: client, name: cfg.Bucket}, nil
}

// minioHost returns the host[:port] minio.New expects. A URL endpoint's
// scheme overrides secure.
func minioHost(endpoint string, secure *bool) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	*secure = u.Scheme == "https"
	return u.Host
}
