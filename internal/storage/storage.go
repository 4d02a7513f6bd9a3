// Package storage provides object storage operations against S3-compatible
// endpoints.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/NeuroWaifu/ComfyUI.Worker/internal/config"
)

// defaultRegion is used when the bucket configuration does not name one.
// S3-compatible providers accept any region as long as the signature names it.
const defaultRegion = "us-east-1"

// ObjectStore is the narrow object-storage surface the worker needs.
type ObjectStore interface {
	// Download returns the raw bytes stored at key.
	// Returns ErrNotFound if the object does not exist.
	Download(ctx context.Context, key string) ([]byte, error)
	// Upload stores data at key with the given content type.
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// PresignGet returns a time-limited retrieval URL for key.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// Bucket returns the bucket name this store operates on.
	Bucket() string
}

type s3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 creates an ObjectStore backed by an S3-compatible bucket. Static
// credentials and a custom endpoint come straight from the bucket
// configuration; path-style addressing keeps non-AWS providers working.
func NewS3(ctx context.Context, b config.Bucket) (ObjectStore, error) {
	if !b.Configured() {
		return nil, fmt.Errorf("bucket configuration incomplete")
	}

	region := b.Region
	if region == "" {
		region = defaultRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.AccessKeyID, b.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(b.EndpointURL)
		o.UsePathStyle = true
	})

	return &s3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  b.Name,
	}, nil
}

func (s *s3Store) Download(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}

	return data, nil
}

func (s *s3Store) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	return nil
}

func (s *s3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}

	return req.URL, nil
}

func (s *s3Store) Bucket() string {
	return s.bucket
}
