package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/flossfund/pkg/config"
	"github.com/platinummonkey/flossfund/pkg/observability"
)

var tracer = otel.Tracer("flossfund/statestore")

// ObjectAPI is the subset of the S3 client the bridge uses
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// NewS3Client builds an S3 client from storage settings. Static credentials are
// used when both keys are set, otherwise the default credential chain.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// S3Bridge keeps run state and artifacts as JSON objects in one bucket
type S3Bridge struct {
	client  ObjectAPI
	bucket  string
	metrics *observability.Metrics
}

// NewS3Bridge creates a bridge over bucket
func NewS3Bridge(client ObjectAPI, bucket string, metrics *observability.Metrics) *S3Bridge {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &S3Bridge{client: client, bucket: bucket, metrics: metrics}
}

// Put serializes v and writes it to {correlationID}/{key}
func (b *S3Bridge) Put(ctx context.Context, correlationID, key string, v interface{}) (err error) {
	objectKey := ObjectKey(correlationID, key)
	ctx, span := tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "PutObject"),
			attribute.String("s3.bucket", b.bucket),
			attribute.String("s3.key", objectKey),
		),
	)
	defer span.End()
	defer func() { b.metrics.RecordStorageOperation("put", "s3", err) }()

	data, err := json.Marshal(v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode object")
		return fmt.Errorf("failed to encode %s: %w", objectKey, err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload %s to s3: %w", objectKey, err)
	}

	span.SetStatus(codes.Ok, "object uploaded")
	return nil
}

// Get reads {correlationID}/{key} into v. A missing object returns ErrNotFound.
func (b *S3Bridge) Get(ctx context.Context, correlationID, key string, v interface{}) (err error) {
	objectKey := ObjectKey(correlationID, key)
	ctx, span := tracer.Start(ctx, "S3.GetObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "GetObject"),
			attribute.String("s3.bucket", b.bucket),
			attribute.String("s3.key", objectKey),
		),
	)
	defer span.End()
	defer func() {
		if errors.Is(err, ErrNotFound) {
			b.metrics.RecordStorageOperation("get", "s3", nil)
			return
		}
		b.metrics.RecordStorageOperation("get", "s3", err)
	}()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			span.SetStatus(codes.Error, "object not found")
			return fmt.Errorf("%s: %w", objectKey, ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		return fmt.Errorf("failed to get %s from s3: %w", objectKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read %s: %w", objectKey, err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	if err := json.Unmarshal(data, v); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode object")
		return fmt.Errorf("failed to decode %s: %w", objectKey, err)
	}

	span.SetStatus(codes.Ok, "object retrieved")
	return nil
}

// HealthCheck verifies the bucket is reachable
func (b *S3Bridge) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
