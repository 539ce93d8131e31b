//go:build gcp

package artifacts

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("CONCORD_CAS_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: CONCORD_CAS_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("CONCORD_CAS_GCS_PREFIX"),
	})
}
