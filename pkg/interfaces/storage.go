// Package interfaces declares the pluggable backends the engine talks to:
// object storage for published containers and a metrics exporter.
package interfaces

import (
	"context"
	"io"
	"time"
)

// ObjectStorage stores container files under slash-separated keys.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Scheme returns the storage scheme ("file", "s3").
	Scheme() string
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// PutOptions configures write operations.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// If set, the write fails when the object already exists.
	IfNotExists bool
}
