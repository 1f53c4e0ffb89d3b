// Package archive stores raw source payloads in S3-compatible object
// storage for audit and replay.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lachwilkes/raceday/internal/config"
)

// S3Archive writes payload objects to an S3-compatible bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive creates a new S3Archive, or a disabled no-op archive when
// archiving is turned off in configuration.
// Parameters:
//   - cfg: archive configuration.
// Returns:
//   - *S3Archive: archive client; disabled when cfg.Enabled is false.
//   - error: non-nil if the AWS config cannot be loaded.
func NewS3Archive(cfg config.ArchiveConfig) (*S3Archive, error) {
	if !cfg.Enabled {
		return &S3Archive{}, nil
	}

	endpoint := normalizeEndpoint(cfg.Endpoint)
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpointURL := fmt.Sprintf("%s://%s", scheme, endpoint)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpointURL)
		o.UsePathStyle = true // Path-style for S3-compatible services
	})

	return &S3Archive{client: client, bucket: cfg.Bucket}, nil
}

// normalizeEndpoint removes protocol prefix and path from endpoint
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return strings.TrimSuffix(endpoint, "/")
}

// Enabled reports whether the archive is configured for writes.
// Parameters: none.
// Returns:
//   - bool: false for the no-op archive.
func (a *S3Archive) Enabled() bool {
	return a.client != nil
}

// EnsureBucket creates the bucket if it doesn't exist.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if the bucket cannot be created.
func (a *S3Archive) EnsureBucket(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err == nil {
		return nil
	}
	_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Put stores a payload under the given key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: object key, e.g. meetings/2026-09-01/<run-id>.json.
//   - body: raw payload bytes.
// Returns:
//   - error: non-nil if the upload fails.
func (a *S3Archive) Put(ctx context.Context, key string, body []byte) error {
	if !a.Enabled() {
		return nil
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Get retrieves a stored payload.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: object key.
// Returns:
//   - []byte: payload bytes.
//   - error: non-nil if the download fails or archiving is disabled.
func (a *S3Archive) Get(ctx context.Context, key string) ([]byte, error) {
	if !a.Enabled() {
		return nil, fmt.Errorf("archive is disabled")
	}
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}
