package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// S3Backend stores blobs in an S3-compatible bucket.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 connects to the endpoint and checks that the bucket exists.
func NewS3(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	b := &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
	if err := b.Ping(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *S3Backend) key(k string) string {
	if b.prefix == "" {
		return k
	}
	return path.Join(b.prefix, k)
}

func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	info, err := b.client.PutObject(ctx, b.bucket, b.key(key), r, -1, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return 0, fmt.Errorf("uploading blob %s: %w", key, err)
	}
	return info.Size, nil
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	// GetObject is lazy; stat first so a missing key fails here.
	if _, err := b.client.StatObject(ctx, b.bucket, b.key(key), minio.StatObjectOptions{}); err != nil {
		return nil, b.mapErr(key, err)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, b.mapErr(key, err)
	}
	return obj, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := b.client.StatObject(ctx, b.bucket, b.key(key), minio.StatObjectOptions{}); err != nil {
		return b.mapErr(key, err)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, b.key(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := b.client.StatObject(ctx, b.bucket, b.key(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking blob %s: %w", key, err)
}

func (b *S3Backend) Ping(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", b.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", b.bucket)
	}
	return nil
}

func (b *S3Backend) mapErr(key string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("reading blob %s: %w", key, err)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
