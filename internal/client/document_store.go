package client

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// S3DocumentStore stores generated order documents as opaque blobs keyed by
// id. The engine only ever references keys; it never inspects content.
type S3DocumentStore struct {
	client *s3.Client
	bucket string
}

// NewS3DocumentStore creates a document store against the given bucket.
func NewS3DocumentStore(ctx context.Context, bucket, region string) (*S3DocumentStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to load AWS configuration")
	}
	return &S3DocumentStore{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
	}, nil
}

// Put writes a document blob under key.
func (s *S3DocumentStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to store document")
	}
	return nil
}
