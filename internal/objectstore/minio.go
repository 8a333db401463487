// Package objectstore mirrors promoted outputs to an S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lucasnoah/bunkerconvert/internal/config"
)

// Enabled reports whether cfg asks for mirroring at all.
func Enabled(cfg config.ObjectStore) bool {
	return strings.TrimSpace(cfg.Endpoint) != ""
}

// Validate checks that cfg is complete enough to build a client.
func Validate(cfg config.ObjectStore) error {
	var missing []string
	if strings.TrimSpace(cfg.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if cfg.AccessKey == "" {
		missing = append(missing, "access_key")
	}
	if cfg.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("object store config: missing %s", strings.Join(missing, ", "))
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return errors.New("object store config: endpoint must be host[:port] without a scheme")
	}
	return nil
}

// NewMinIOClient builds a client for cfg. It does not contact the server.
func NewMinIOClient(cfg config.ObjectStore) (*minio.Client, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// Publisher uploads outputs under an optional key prefix. It satisfies
// pipeline.Publisher.
type Publisher struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

// NewPublisher creates a Publisher for cfg.
func NewPublisher(cfg config.ObjectStore) (*Publisher, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// EnsureBucket creates the target bucket if it does not exist.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", p.bucket, err)
	}
	return nil
}

// ObjectKey returns the full key for an output-relative path.
func (p *Publisher) ObjectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if p.prefix == "" {
		return key
	}
	return path.Join(p.prefix, key)
}

// Publish uploads localPath to the bucket under key.
func (p *Publisher) Publish(ctx context.Context, localPath, key string) error {
	objectKey := p.ObjectKey(key)
	_, err := p.client.FPutObject(ctx, p.bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentType(objectKey),
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", localPath, p.bucket, objectKey, err)
	}
	return nil
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".avif": "image/avif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

func contentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if t, ok := imageTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
