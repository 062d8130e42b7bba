package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 writes objects to a single bucket.
type S3 interface {
	Write(ctx context.Context, key string, obj Object) error
}

type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// New creates a bucket writer from the default AWS configuration chain
// (environment, shared config, instance role).
func New(ctx context.Context, bucket string) (S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("must set s3_bucket")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDefaultConfig: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket), nil
}

func NewWithClient(api putObjectAPI, bucket string) S3 {
	return &s3Client{
		api:    api,
		bucket: bucket,
	}
}

type s3Client struct {
	api    putObjectAPI
	bucket string
}

func (c *s3Client) Write(ctx context.Context, key string, obj Object) error {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(obj.Data),
		Metadata: obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3.PutObject %s: %w", key, err)
	}
	return nil
}
