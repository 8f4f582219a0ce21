package container

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/interfaces"
)

// Publish uploads every file of the container to store under prefix and
// returns the number of bytes sent. The manifest goes last, so a reader
// that finds it can rely on every extent being present.
func Publish(ctx context.Context, c *Container, store interfaces.ObjectStorage, prefix string) (int64, error) {
	var sent int64
	for _, rel := range c.Files() {
		if err := ctx.Err(); err != nil {
			return sent, errors.ContextCanceled("publish")
		}
		n, err := putFile(ctx, store, c.path(rel), path.Join(prefix, filepath.ToSlash(rel)))
		if err != nil {
			return sent, errors.Wrap(err, errors.CodeWriteFailed, "publish container file").
				WithContext("file", rel).
				WithContext("scheme", store.Scheme())
		}
		sent += n
	}
	return sent, nil
}

func putFile(ctx context.Context, store interfaces.ObjectStorage, src, key string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	contentType := "application/vnd.apache.parquet"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	}
	if err := store.Put(ctx, key, f, interfaces.PutOptions{ContentType: contentType}); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Fetch downloads a container published under prefix into dir and opens it.
// Extent checksums are verified after download.
func Fetch(ctx context.Context, store interfaces.ObjectStorage, prefix, dir string) (*Container, error) {
	objs, err := store.List(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReadFailed, "list published container").
			WithContext("prefix", prefix)
	}
	if len(objs) == 0 {
		return nil, errors.New(errors.CodeDatasetMissing, "no container under prefix").
			WithContext("prefix", prefix)
	}

	for _, obj := range objs {
		rel := strings.TrimPrefix(strings.TrimPrefix(obj.Key, prefix), "/")
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		if err := getFile(ctx, store, obj.Key, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return nil, errors.Wrap(err, errors.CodeReadFailed, "fetch container file").
				WithContext("key", obj.Key)
		}
	}

	c, err := Open(dir)
	if err != nil {
		return nil, err
	}
	if err := c.Verify(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func getFile(ctx context.Context, store interfaces.ObjectStorage, key, dst string) error {
	r, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
