// Package s3 stores snapshots in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/memfs/internal/logging"
	"github.com/fruitsalade/memfs/internal/metrics"
)

// BackendConfig holds S3 connection settings.
type BackendConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Region       string `yaml:"region"`
	CreateBucket bool   `yaml:"create_bucket"`
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewBackend creates a new S3 backend from a BackendConfig. With an empty
// Endpoint and AccessKey the default AWS credential chain and endpoint
// resolution are used.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	backend := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
	}

	if cfg.CreateBucket {
		if err := backend.ensureBucket(ctx); err != nil {
			logging.Error("bucket check failed", zap.Error(err))
		}
	}

	return backend, nil
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordStorageOperation("s3", "create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// GetObject downloads the snapshot stored at key.
func (b *S3Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "get_object", time.Since(start), false)
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("get object %s: %w", key, fs.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}

	metrics.RecordStorageOperation("s3", "get_object", time.Since(start), true)

	totalSize := int64(-1)
	if result.ContentLength != nil {
		totalSize = *result.ContentLength
	}

	return result.Body, totalSize, nil
}

// PutObject uploads a snapshot. S3 replaces objects atomically.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordStorageOperation("s3", "put_object", time.Since(start), true)

	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes a snapshot from S3.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	metrics.RecordStorageOperation("s3", "delete_object", time.Since(start), true)
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// ObjectExists checks if a snapshot exists in S3.
func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "head_object", time.Since(start), false)
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}

	metrics.RecordStorageOperation("s3", "head_object", time.Since(start), true)
	return true, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
