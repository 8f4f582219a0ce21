// Package storage resolves storage URLs to ObjectStorage backends.
// Supports local directories, file:// URLs and s3://bucket/prefix.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/trialflow/trialflow/pkg/interfaces"
	"github.com/trialflow/trialflow/pkg/storage/object"
	"github.com/trialflow/trialflow/pkg/storage/s3"
)

// Options carries backend settings not expressible in a URL.
type Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Open returns the object storage addressed by location.
func Open(ctx context.Context, location string, opts Options) (interfaces.ObjectStorage, error) {
	scheme, bucket, key := ParsePath(location)

	switch scheme {
	case "file":
		return object.NewLocalStorage(key)
	case "s3":
		if bucket == "" {
			return nil, fmt.Errorf("s3 location %q has no bucket", location)
		}
		cfg := s3.DefaultConfig(bucket, opts.Region)
		cfg.Prefix = key
		cfg.Endpoint = opts.Endpoint
		cfg.UsePathStyle = opts.UsePathStyle
		return s3.NewClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}

// ParsePath splits a location into scheme, bucket and key. Plain paths
// (including Windows drive letters) are reported as "file".
func ParsePath(location string) (scheme, bucket, key string) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return "file", "", location
	}
	if u.Scheme == "file" {
		return "file", "", u.Path
	}
	return u.Scheme, u.Host, strings.TrimPrefix(u.Path, "/")
}
