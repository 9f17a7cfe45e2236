//go:build gcp

package cas

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("REQUIEM_CAS_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("cas: REQUIEM_CAS_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("REQUIEM_CAS_GCS_PREFIX"),
	})
}
