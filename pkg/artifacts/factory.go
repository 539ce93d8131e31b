package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a blob storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv selects and builds a Store from the process environment.
//
//	CONCORD_CAS_BACKEND    "fs" (default), "s3", or "gcs"
//	CONCORD_CAS_DIR        blob root for the fs backend (default "data/cas")
//
//	CONCORD_CAS_S3_BUCKET    bucket, required for s3
//	CONCORD_CAS_S3_REGION    falls back to AWS_REGION, then us-east-1
//	CONCORD_CAS_S3_ENDPOINT  optional, for MinIO/LocalStack
//	CONCORD_CAS_S3_PREFIX    optional key prefix
//
//	CONCORD_CAS_GCS_BUCKET   bucket, required for gcs (build tag "gcp")
//	CONCORD_CAS_GCS_PREFIX   optional key prefix
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("CONCORD_CAS_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}
	switch backend {
	case BackendFS:
		dir := os.Getenv("CONCORD_CAS_DIR")
		if dir == "" {
			dir = filepath.Join("data", "cas")
		}
		return NewFileStore(dir)
	case BackendS3:
		bucket := os.Getenv("CONCORD_CAS_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: CONCORD_CAS_S3_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("CONCORD_CAS_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("CONCORD_CAS_S3_ENDPOINT"),
			Prefix:   os.Getenv("CONCORD_CAS_S3_PREFIX"),
		})
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unknown CAS backend %q", backend)
	}
}
