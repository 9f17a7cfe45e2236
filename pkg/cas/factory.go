package cas

import (
	"context"
	"fmt"
	"os"
)

// Backend names a CAS storage backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// NewStoreFromEnv creates a CAS store from environment variables.
//
//   - REQUIEM_CAS_BACKEND: "memory" (default), "file", "s3", or "gcs"
//   - REQUIEM_CAS_DIR: base directory for the file backend (default "data/cas")
//
// For S3:
//   - REQUIEM_CAS_S3_BUCKET (required)
//   - REQUIEM_CAS_S3_REGION (falls back to AWS_REGION, then us-east-1)
//   - REQUIEM_CAS_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - REQUIEM_CAS_S3_PREFIX (optional)
//
// For GCS:
//   - REQUIEM_CAS_GCS_BUCKET (required)
//   - REQUIEM_CAS_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("REQUIEM_CAS_BACKEND"))
	if backend == "" {
		backend = BackendMemory
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		dir := os.Getenv("REQUIEM_CAS_DIR")
		if dir == "" {
			dir = "data/cas"
		}
		return NewFileStore(dir)
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("cas: unsupported backend %q", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("REQUIEM_CAS_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("cas: REQUIEM_CAS_S3_BUCKET is required for the s3 backend")
	}

	region := os.Getenv("REQUIEM_CAS_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("REQUIEM_CAS_S3_ENDPOINT"),
		Prefix:   os.Getenv("REQUIEM_CAS_S3_PREFIX"),
	})
}
