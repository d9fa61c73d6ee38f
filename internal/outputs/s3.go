package outputs

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"comfyui-worker/internal/common/config"
)

// Uploader stores one asset and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
}

// S3Uploader writes assets to an S3-compatible bucket. Path-style addressing
// keeps it working against MinIO and other self-hosted endpoints.
type S3Uploader struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

func NewS3Uploader(ctx context.Context, cfg config.StorageConfig) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading storage credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.BucketURL)
		o.UsePathStyle = true
	})

	return &S3Uploader{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimRight(cfg.BucketURL, "/"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return "", fmt.Errorf("putting object %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, key), nil
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
