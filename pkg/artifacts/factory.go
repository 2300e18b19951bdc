package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names an archive storage backend.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendMemory Backend = "memory"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend  Backend
	DataDir  string // fs: archives live under DataDir/archive
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewStore creates the configured archive store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "archive"))
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_BUCKET is required for S3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}
