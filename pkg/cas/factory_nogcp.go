//go:build !gcp

package cas

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(_ context.Context) (Store, error) {
	return nil, fmt.Errorf("cas: gcs backend is not enabled in this build (use -tags gcp)")
}
