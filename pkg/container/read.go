package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/metadata"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/writer"
)

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadRows returns rows [start, stop) of the logical array. The range may
// span any number of extents.
func (c *Container) ReadRows(ctx context.Context, start, stop int) (*ndarray.Array, error) {
	shape := c.Shape()
	if start < 0 || stop > shape[0] || start > stop {
		return nil, errors.New(errors.CodeOutOfRange, "row range outside container").
			WithContext("start", start).
			WithContext("stop", stop).
			WithContext("rows", shape[0])
	}

	out := ndarray.New(shape.WithLeading(stop-start), c.DType())
	width := out.RowWidth()

	for _, ext := range c.Manifest().Extents {
		lo, hi := max(start, ext.Slab.Start), min(stop, ext.Slab.Stop)
		if lo >= hi {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.ContextCanceled("read rows")
		}
		if err := c.readExtent(ctx, ext, func(row int, vals []float64) error {
			if row < lo || row >= hi {
				return nil
			}
			if len(vals) != width {
				return fmt.Errorf("row %d has %d values, expected %d", row, len(vals), width)
			}
			copy(out.Row(row-start), vals)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadTrial returns the slab of trial k.
func (c *Container) ReadTrial(ctx context.Context, k int) (*ndarray.Array, error) {
	ext, err := c.Extent(k)
	if err != nil {
		return nil, err
	}
	return c.ReadRows(ctx, ext.Slab.Start, ext.Slab.Stop)
}

// readExtent streams the rows of one extent to fn with global row indices.
func (c *Container) readExtent(ctx context.Context, ext Extent, fn func(row int, vals []float64) error) error {
	path := c.path(ext.File)
	if ext.Status != StatusWritten {
		return errors.DatasetMissing(path, c.m.Dataset).
			WithContext("trial", ext.Trial).
			WithContext("status", ext.Status)
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, errors.CodeDatasetMissing, "extent file missing").
			WithContext("trial", ext.Trial).
			WithContext("path", path)
	}

	f, err := writer.ReadFile(ctx, path)
	if err != nil {
		return errors.Wrap(err, errors.CodeReadFailed, "read extent").
			WithContext("path", path)
	}
	defer f.Release()

	data := f.Column(c.m.Dataset)
	if data == nil {
		return errors.DatasetMissing(path, c.m.Dataset)
	}
	rows := make([]int64, 0, ext.Slab.Len())
	if err := writer.EachInt64(f.Column("row"), func(_ int, v int64) error {
		rows = append(rows, v)
		return nil
	}); err != nil {
		return errors.Wrap(err, errors.CodeReadFailed, "read extent row index").
			WithContext("path", path)
	}

	err = writer.EachFloat64List(data, func(i int, vals []float64) error {
		if i >= len(rows) {
			return fmt.Errorf("extent has more values than row indices")
		}
		return fn(int(rows[i]), vals)
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeReadFailed, "decode extent").
			WithContext("path", path)
	}
	return nil
}

// Metadata returns the merged metadata of the container: the root group
// written at finalization if present, otherwise the fold of every extent's
// group. It returns nil when no metadata was produced.
func (c *Container) Metadata(ctx context.Context) (*metadata.Bundle, error) {
	m := c.Manifest()
	if m.Metadata != "" {
		return metadata.ReadGroup(ctx, c.path(m.Metadata))
	}

	var groups []*metadata.Bundle
	for _, ext := range m.Extents {
		if ext.Metadata == "" {
			continue
		}
		g, err := metadata.ReadGroup(ctx, c.path(ext.Metadata))
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return metadata.Merge(groups...)
}

// Verify re-hashes every written extent against the manifest.
func (c *Container) Verify(ctx context.Context) error {
	for _, ext := range c.Manifest().Extents {
		if ext.Status != StatusWritten {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.ContextCanceled("verify")
		}
		sum, err := hashFile(c.path(ext.File))
		if err != nil {
			return errors.Wrap(err, errors.CodeDatasetMissing, "hash extent").
				WithContext("trial", ext.Trial)
		}
		if sum != ext.Checksum {
			return errors.New(errors.CodeChecksum, "extent checksum mismatch").
				WithContext("trial", ext.Trial).
				WithContext("want", ext.Checksum).
				WithContext("got", sum)
		}
	}
	return nil
}

// Files returns the container files relative to its directory, manifest last.
func (c *Container) Files() []string {
	m := c.Manifest()
	var files []string
	for _, ext := range m.Extents {
		if ext.Status != StatusWritten {
			continue
		}
		files = append(files, ext.File)
		if ext.Metadata != "" {
			files = append(files, ext.Metadata)
		}
	}
	if m.Metadata != "" {
		files = append(files, m.Metadata)
	}
	return append(files, manifestName)
}
