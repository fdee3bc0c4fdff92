package objectstore

import (
	"context"
	"time"
)

// Store is the slice of S3-compatible storage the coordinator needs. All
// artifact bytes move through presigned URLs; buildd itself only stats
// objects to confirm an upload landed.
type Store interface {
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	// PresignGet issues a download URL. A non-empty filename makes the
	// store serve the object as an attachment under that name.
	PresignGet(ctx context.Context, bucket, key, filename string, ttl time.Duration) (string, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
