package archive

import (
	"context"
	"fmt"
)

// Type selects the archive backend.
type Type string

const (
	TypeNone Type = "none"
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       Type   `yaml:"type"`
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
}

// New builds the configured store. TypeNone (or empty) yields a nil Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeNone:
		return nil, nil
	case TypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: directory is required for fs archive")
		}
		return NewFileStore(cfg.Dir)
	case TypeS3:
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported archive type: %s", cfg.Type)
	}
}
