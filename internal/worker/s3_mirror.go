package worker

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"thumbnailpipe/internal/config"
)

// S3Mirror uploads generated thumbnails to a secondary S3-compatible bucket
// on a best-effort basis; it is supplemental to the local filesystem, which
// remains the Thumbnail record's source of truth.
type S3Mirror struct {
	client *s3.Client
	bucket string
}

// NewS3Mirror constructs a mirror, or (nil, nil) when no bucket is
// configured — callers treat a nil mirror as "disabled".
func NewS3Mirror(ctx context.Context, cfg config.Config) (*S3Mirror, error) {
	if cfg.ThumbnailS3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ThumbnailS3Region),
	}
	if cfg.ThumbnailS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ThumbnailS3Endpoint,
					HostnameImmutable: cfg.ThumbnailS3PathStyle,
					SigningRegion:     cfg.ThumbnailS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ThumbnailS3PathStyle
	})

	return &S3Mirror{client: client, bucket: cfg.ThumbnailS3Bucket}, nil
}

// Mirror uploads the file at localPath under key and returns a public URL.
func (m *S3Mirror) Mirror(ctx context.Context, localPath, key string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read local thumbnail: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", m.bucket, key), nil
}
