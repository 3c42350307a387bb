package storage

import (
	"context"
	"io"
)

// ObjectStorage is the object store surface the execution-log archive needs.
type ObjectStorage interface {
	// PutObject uploads sizeBytes from reader under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// EnsureBucket creates bucket when it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
