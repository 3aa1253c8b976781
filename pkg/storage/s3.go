package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Backend stores objects in an S3-compatible bucket (R2, minio, AWS).
type S3Backend struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// S3Config parameterizes an S3-compatible backend
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PublicURL string
}

// NewS3Backend creates an object-store backend. Client construction does
// not touch the network; Connect does.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, NewStorageError(ErrCodeInvalidRequest, "endpoint and bucket are required", "s3", "", nil)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, NewStorageError(ErrCodeBackendOffline, "cannot create s3 client", "s3", "", err)
	}

	publicURL := strings.TrimRight(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &S3Backend{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: publicURL,
	}, nil
}

// Name identifies the backend type
func (b *S3Backend) Name() string { return "s3" }

// Connect verifies the bucket is reachable. This is the only storage
// failure that is fatal for a whole sync run.
func (b *S3Backend) Connect(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return NewStorageError(ErrCodeBackendOffline, "cannot reach bucket", b.Name(), "", err)
	}
	if !exists {
		return NewStorageError(ErrCodeBackendOffline,
			fmt.Sprintf("bucket %q does not exist", b.bucket), b.Name(), "", nil)
	}
	return nil
}

// Put uploads an object. S3 PUTs are atomic per key, so re-uploading
// identical content is idempotent.
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ClassifyError(err, b.Name(), key)
	}
	return nil
}

// Get retrieves an object's bytes
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ClassifyError(err, b.Name(), key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, NewNotFoundError(b.Name(), key)
		}
		return nil, ClassifyError(err, b.Name(), key)
	}
	return data, nil
}

// Has reports whether an object exists under key
func (b *S3Backend) Has(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, ClassifyError(err, b.Name(), key)
	}
	return true, nil
}

// Delete removes an object
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return ClassifyError(err, b.Name(), key)
	}
	return nil
}

// PublicURL returns the CDN-resolvable reference for a key
func (b *S3Backend) PublicURL(key string) string {
	return b.publicURL + "/" + strings.TrimLeft(key, "/")
}
