package container

import (
	"context"
	"os"
	"path/filepath"

	"github.com/trialflow/trialflow/internal/pool"
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
)

const averageFile = "average.parquet"

var sumBuffers = pool.NewFloatPool(0)

// Average folds all written trial extents into a single extent holding
// their element-wise mean. Every slab must have the same length. Failed
// trials do not contribute. The per-trial data files are removed.
func (c *Container) Average(ctx context.Context) error {
	m := c.Manifest()
	if m.Averaged {
		return nil
	}

	var written []Extent
	for _, ext := range m.Extents {
		if ext.Status == StatusWritten {
			written = append(written, ext)
		}
	}
	if len(written) == 0 {
		return errors.New(errors.CodeDatasetMissing, "no written extents to average")
	}
	n := written[0].Slab.Len()
	for _, ext := range written[1:] {
		if ext.Slab.Len() != n {
			return errors.New(errors.CodeShapeMismatch, "trial lengths differ, cannot average").
				WithContext("trial", ext.Trial).
				WithContext("want", n).
				WithContext("got", ext.Slab.Len())
		}
	}

	shape := c.Shape().WithLeading(n)
	buf := sumBuffers.Get()
	defer sumBuffers.Put(buf)
	sum := buf.Zeroed(shape.Size() * c.DType().Width())
	width := shape.RowSize() * c.DType().Width()

	for _, ext := range written {
		first := ext.Slab.Start
		err := c.readExtent(ctx, ext, func(row int, vals []float64) error {
			dst := sum[(row-first)*width : (row-first+1)*width]
			for i, v := range vals {
				dst[i] += v
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	scale := 1 / float64(len(written))
	mean := make([]float64, len(sum))
	for i, v := range sum {
		mean[i] = v * scale
	}
	arr, err := ndarray.FromData(shape, c.DType(), mean)
	if err != nil {
		return err
	}

	rel := filepath.Join(extentDir, averageFile)
	path := c.path(rel)
	if err := c.writeExtent(path, 0, 0, arr); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write averaged extent").
			WithContext("path", path)
	}
	checksum, err := hashFile(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "hash averaged extent")
	}

	c.mu.Lock()
	c.m.Shape = []int(shape)
	c.m.Averaged = true
	c.m.Extents = []Extent{{
		Trial:    0,
		Slab:     Slab{Start: 0, Stop: n},
		File:     rel,
		Status:   StatusWritten,
		Checksum: checksum,
	}}
	err = c.m.save(c.dir)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// Metadata groups are left in place for Finalize to merge.
	for _, ext := range m.Extents {
		os.Remove(c.path(ext.File))
	}
	return nil
}
