package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/execlayer/kernel/pkg/canonicalize"
)

// S3Store keeps objects in an S3 (or S3-compatible) bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack, ...
	Prefix   string
}

// NewS3Store loads the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// S3-compatible stores commonly reject the newer default checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(rawHash string) string {
	return s.prefix + rawHash + objectSuffix
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	rawHash := canonicalize.HashBytes(data)
	key := s.key(rawHash)

	exists, err := s.head(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return canonicalize.Prefixed(rawHash), nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put failed: %w", err)
	}
	return canonicalize.Prefixed(rawHash), nil
}

func (s *S3Store) Get(ctx context.Context, hash string) ([]byte, error) {
	rawHash, err := canonicalize.StripPrefix(hash)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rawHash)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("archive: s3 get failed for %s: %w", hash, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: s3 read failed for %s: %w", hash, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, hash string) (bool, error) {
	rawHash, err := canonicalize.StripPrefix(hash)
	if err != nil {
		return false, err
	}
	return s.head(ctx, s.key(rawHash))
}

func (s *S3Store) head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("archive: s3 head failed: %w", err)
}
