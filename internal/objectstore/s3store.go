package objectstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/permaweb/bundler-gateway/internal/config"
)

// S3Store implements Store against any S3-protocol-compatible endpoint,
// generalizing the teacher's aws-sdk-go-v2 usage (KMS client construction
// in internal/handlers/auth.go) from a single-purpose KMS client to the
// full S3 API surface the bundle lifecycle engine and ingress path need,
// with path-style addressing for MinIO compatibility.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds a Store from ObjectStoreConfig. A non-empty Endpoint
// targets MinIO or another S3-compatible service instead of AWS S3.
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func toAWSMetadata(m ObjectMetadata) map[string]string {
	if m == nil {
		return nil
	}
	return m
}

func fromAWSMetadata(m map[string]string) ObjectMetadata {
	if m == nil {
		return ObjectMetadata{}
	}
	return m
}

func (s *S3Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, metadata ObjectMetadata) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      toAWSMetadata(metadata),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("objectstore: get %q: %w", key, err)
	}
	info := &ObjectInfo{Key: key, Metadata: fromAWSMetadata(out.Metadata)}
	if out.ContentLength != nil {
		info.ContentLength = *out.ContentLength
	}
	return out.Body, info, nil
}

func (s *S3Store) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: head %q: %w", key, err)
	}
	info := &ObjectInfo{Key: key, Metadata: fromAWSMetadata(out.Metadata)}
	if out.ContentLength != nil {
		info.ContentLength = *out.ContentLength
	}
	return info, nil
}

func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string, metadata ObjectMetadata) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: toAWSMetadata(metadata),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: create multipart upload for %q: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: upload part %d of %q: %w", partNumber, key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("objectstore: complete multipart upload for %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("objectstore: abort multipart upload for %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: list parts for %q: %w", key, err)
	}
	parts := make([]Part, len(out.Parts))
	for i, p := range out.Parts {
		parts[i] = Part{PartNumber: aws.ToInt32(p.PartNumber), ETag: aws.ToString(p.ETag), Size: aws.ToInt64(p.Size)}
	}
	return parts, nil
}
