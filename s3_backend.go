package polybase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Backend implements Backend using AWS S3 (or S3-compatible storage)
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 backend
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

// Bucket returns the bucket name.
func (b *S3Backend) Bucket() string {
	return b.bucket
}

// EnsureBucket creates the bucket when it does not exist yet.
func (b *S3Backend) EnsureBucket(ctx context.Context, region string) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err == nil {
		return nil
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	_, err := b.client.CreateBucket(ctx, input)
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return nil
	}
	return mapS3Error(err, b.bucket)
}

// Get retrieves data for the given key from S3
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err, key)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	return io.ReadAll(result.Body)
}

// Put stores data for the given key to S3
func (b *S3Backend) Put(ctx context.Context, key string, data []byte, meta ObjectMeta) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: meta.Custom,
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	_, err = b.client.PutObject(ctx, input)
	return mapS3Error(err, key)
}

// Stat reads object attributes with HeadObject.
func (b *S3Backend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	key, err := CleanKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, mapS3Error(err, key)
	}
	return ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Custom:      out.Metadata,
		UpdatedAt:   aws.ToTime(out.LastModified),
	}, nil
}

// Delete removes the object at the given key from S3.
// S3 deletes are idempotent, so missing keys are detected with HeadObject first.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.Stat(ctx, key); err != nil {
		return err
	}
	key, _ = CleanKey(key)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return mapS3Error(err, key)
}

// List returns all objects with the given prefix from S3
func (b *S3Backend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err, prefix)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Key:       aws.ToString(obj.Key),
				Size:      aws.ToInt64(obj.Size),
				UpdatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Ping checks if the S3 backend is accessible and operational
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return mapS3Error(err, b.bucket)
}

// Close releases any resources held by the S3 backend
func (b *S3Backend) Close() error {
	// S3 client doesn't need explicit closing
	return nil
}

func mapS3Error(err error, key string) error {
	if err == nil {
		return nil
	}
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return Wrap(ErrNotFound, err, map[string]interface{}{"key": key})
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return Wrap(ErrNotFound, err, map[string]interface{}{"key": key})
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return Wrap(ErrUnauthorized, err, map[string]interface{}{"key": key})
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return Wrap(ErrBackendUnavailable, err, map[string]interface{}{"key": key})
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return Wrap(ErrBackendUnavailable, err, map[string]interface{}{"key": key})
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	// Transport-level failures (connection refused, DNS).
	return Wrap(ErrBackendUnavailable, err, map[string]interface{}{"key": key})
}

var _ Backend = (*S3Backend)(nil)
