// Package container implements the output container: one logically
// contiguous array whose leading axis is split into per-trial slabs, each
// backed by its own parquet extent. Workers write disjoint extents without
// coordination; the manifest stitches them into a single virtual view.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/google/uuid"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/index"
	"github.com/trialflow/trialflow/pkg/metadata"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/writer"
)

// DefaultDataset is the name of the primary dataset column.
const DefaultDataset = "data"

// Footer keys of an extent file.
const (
	keyExtent   = "trialflow.extent"
	keyDataset  = "trialflow.dataset"
	keyDType    = "trialflow.dtype"
	keyRowShape = "trialflow.row_shape"
	keyTrial    = "trialflow.trial"
)

// Layout fixes the geometry of a container before any trial is written.
type Layout struct {
	Dataset string
	DType   ndarray.DType
	Shape   ndarray.Shape
	Slabs   []Slab
	Dimord  []string
	Kernel  string
	Writer  writer.Config
}

// Container is an open output container.
type Container struct {
	dir string
	cfg writer.Config

	mu sync.RWMutex
	m  *Manifest
}

// Create prepares dir for a new container. If dir already holds a
// container with the same geometry its extents are kept, so an interrupted
// job can resume; a different geometry is an error.
func Create(dir string, l Layout) (*Container, error) {
	if l.Dataset == "" {
		l.Dataset = DefaultDataset
	}
	if len(l.Shape) == 0 {
		return nil, errors.New(errors.CodeInvalidParams, "container shape must have at least one axis")
	}
	if err := os.MkdirAll(filepath.Join(dir, extentDir), 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeWriteFailed, "create container directory").
			WithContext("dir", dir)
	}

	m := &Manifest{
		Version:     manifestVersion,
		ID:          uuid.New().String(),
		Dataset:     l.Dataset,
		DType:       l.DType.String(),
		Shape:       append([]int(nil), l.Shape...),
		Dimord:      l.Dimord,
		Compression: l.Writer.Compression.String(),
		Kernel:      l.Kernel,
		CreatedAt:   time.Now().UTC(),
	}
	for k, s := range l.Slabs {
		m.Extents = append(m.Extents, Extent{
			Trial:  k,
			Slab:   s,
			File:   filepath.Join(extentDir, fmt.Sprintf("trial-%06d.parquet", k)),
			Status: StatusPending,
		})
	}
	if err := m.validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidParams, "invalid container layout")
	}

	if prev, err := loadManifest(dir); err == nil {
		if !sameGeometry(prev, m) {
			return nil, errors.New(errors.CodeInvalidParams, "directory holds a container with a different layout").
				WithContext("dir", dir)
		}
		m.ID = prev.ID
		m.CreatedAt = prev.CreatedAt
		for i := range m.Extents {
			if prev.Extents[i].Status == StatusWritten {
				m.Extents[i] = prev.Extents[i]
			}
		}
	}

	if err := m.save(dir); err != nil {
		return nil, err
	}
	return &Container{dir: dir, cfg: l.Writer, m: m}, nil
}

func sameGeometry(a, b *Manifest) bool {
	if a.Dataset != b.Dataset || a.DType != b.DType || len(a.Extents) != len(b.Extents) || a.Averaged {
		return false
	}
	if !ndarray.Shape(a.Shape).Equal(b.Shape) {
		return false
	}
	for i := range a.Extents {
		if a.Extents[i].Slab != b.Extents[i].Slab {
			return false
		}
	}
	return true
}

// Open opens an existing container for reading.
func Open(dir string) (*Container, error) {
	m, err := loadManifest(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.CodeDatasetMissing, "container manifest missing").
				WithContext("dir", dir)
		}
		return nil, err
	}
	return &Container{dir: dir, cfg: writer.Config{Compression: writer.ParseCompression(m.Compression)}, m: m}, nil
}

// Dir returns the container directory.
func (c *Container) Dir() string { return c.dir }

// ID returns the container id.
func (c *Container) ID() string { return c.m.ID }

// Shape returns the logical shape.
func (c *Container) Shape() ndarray.Shape {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m.shape()
}

// DType returns the element type.
func (c *Container) DType() ndarray.DType {
	d, _ := c.m.dtype()
	return d
}

// Manifest returns a copy of the manifest.
func (c *Container) Manifest() Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := *c.m
	m.Extents = append([]Extent(nil), c.m.Extents...)
	return m
}

// Extent returns the extent of trial k.
func (c *Container) Extent(k int) (Extent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k < 0 || k >= len(c.m.Extents) {
		return Extent{}, errors.New(errors.CodeOutOfRange, "no such extent").
			WithContext("trial", k)
	}
	return c.m.Extents[k], nil
}

func (c *Container) path(rel string) string {
	return filepath.Join(c.dir, rel)
}

func extentSchema(dataset string) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "row", Type: arrow.PrimitiveTypes.Int64},
		{Name: dataset, Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)
}

// WriteSlab writes trial k's result into its reserved slab, plus its
// staged metadata if any. Different trials may be written concurrently.
func (c *Container) WriteSlab(ctx context.Context, k int, data *ndarray.Array, md *metadata.Bundle) error {
	ext, err := c.Extent(k)
	if err != nil {
		return err
	}
	shape := c.Shape()
	want := shape.WithLeading(ext.Slab.Len())
	if !data.Shape().Equal(want) {
		return errors.New(errors.CodeShapeViolation, "result does not fit its slab").
			WithContext("trial", k).
			WithContext("want", want.String()).
			WithContext("got", data.Shape().String())
	}
	if data.DType() != c.DType() {
		return errors.New(errors.CodeShapeViolation, "result element type differs from container").
			WithContext("trial", k).
			WithContext("want", c.DType().String()).
			WithContext("got", data.DType().String())
	}
	if err := ctx.Err(); err != nil {
		return errors.ContextCanceled("write slab")
	}

	path := c.path(ext.File)
	if err := c.writeExtent(path, k, ext.Slab.Start, data); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write extent").
			WithContext("trial", k).
			WithContext("path", path)
	}

	var metaRel string
	if !md.Empty() {
		metaRel = filepath.Join(extentDir, fmt.Sprintf("trial-%06d.meta.parquet", k))
		if err := metadata.WriteGroup(c.path(metaRel), md, c.cfg); err != nil {
			return err
		}
	}

	sum, err := hashFile(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "hash extent").
			WithContext("trial", k)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := &c.m.Extents[k]
	e.Status = StatusWritten
	e.Checksum = sum
	e.Metadata = metaRel
	e.Error = ""
	if err := c.m.save(c.dir); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "record extent").
			WithContext("trial", k)
	}
	return nil
}

func (c *Container) writeExtent(path string, trial, firstRow int, data *ndarray.Array) error {
	rowShape, err := jsonString(data.Shape().Tail())
	if err != nil {
		return err
	}
	schema := writer.WithMetadata(extentSchema(c.m.Dataset), map[string]string{
		keyExtent:   "1",
		keyDataset:  c.m.Dataset,
		keyDType:    data.DType().String(),
		keyRowShape: rowShape,
		keyTrial:    fmt.Sprintf("%d", trial),
	})

	rb := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer rb.Release()
	rows := rb.Field(0).(*array.Int64Builder)
	values := rb.Field(1).(*array.ListBuilder)
	vb := values.ValueBuilder().(*array.Float64Builder)

	n := data.Len()
	rows.Reserve(n)
	vb.Reserve(len(data.Data()))
	for i := 0; i < n; i++ {
		rows.UnsafeAppend(int64(firstRow + i))
		values.Append(true)
		vb.AppendValues(data.Row(i), nil)
	}

	rec := rb.NewRecord()
	defer rec.Release()
	return writer.WriteRecords(path, schema, []arrow.Record{rec}, c.cfg)
}

// MarkFailed records that trial k produced no extent.
func (c *Container) MarkFailed(k int, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k < 0 || k >= len(c.m.Extents) {
		return
	}
	e := &c.m.Extents[k]
	e.Status = StatusFailed
	e.Checksum = ""
	if cause != nil {
		e.Error = cause.Error()
	}
	// Finalize and Save write the manifest again.
	_ = c.m.save(c.dir)
}

// Reset marks trial k pending again, dropping any extent an earlier run
// recorded for it.
func (c *Container) Reset(k int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k < 0 || k >= len(c.m.Extents) {
		return
	}
	e := &c.m.Extents[k]
	if e.Status == StatusPending {
		return
	}
	e.Status = StatusPending
	e.Checksum = ""
	e.Metadata = ""
	e.Error = ""
	_ = c.m.save(c.dir)
}

// Adopt accepts an extent left by an earlier run of the same job if its
// file still hashes to checksum. It reports whether the extent was kept.
func (c *Container) Adopt(k int, checksum string) bool {
	ext, err := c.Extent(k)
	if err != nil || checksum == "" {
		return false
	}
	sum, err := hashFile(c.path(ext.File))
	if err != nil || sum != checksum {
		return false
	}
	c.mu.Lock()
	e := &c.m.Extents[k]
	e.Status = StatusWritten
	e.Checksum = sum
	if _, err := os.Stat(c.path(filepath.Join(extentDir, fmt.Sprintf("trial-%06d.meta.parquet", k)))); err == nil {
		e.Metadata = filepath.Join(extentDir, fmt.Sprintf("trial-%06d.meta.parquet", k))
	}
	c.mu.Unlock()
	return true
}

// Finalization is recorded in the manifest once all trials have settled.
type Finalization struct {
	TrialDefinition [][]int64
	SampleRate      float64
	Labels          map[string][]string
	Warnings        []string
	Metadata        *metadata.Bundle
	// Failed lists trials known to have failed. Trials whose extent is
	// not written are added.
	Failed []int
}

// Finalize stores post-execution information and the merged metadata
// group, then writes the manifest.
func (c *Container) Finalize(f Finalization) error {
	if !f.Metadata.Empty() {
		if err := metadata.WriteGroup(c.path(rootGroupName), f.Metadata, c.cfg); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.m.TrialDefinition = f.TrialDefinition
	c.m.SampleRate = f.SampleRate
	c.m.Labels = f.Labels
	c.m.Warnings = f.Warnings
	if !f.Metadata.Empty() {
		c.m.Metadata = rootGroupName
	}
	failed := index.NewTrialSet(f.Failed...)
	for _, e := range c.m.Extents {
		if e.Status != StatusWritten {
			failed.Add(e.Trial)
		}
	}
	c.m.Failed = failed.Slice()
	now := time.Now().UTC()
	c.m.FinalizedAt = &now
	return c.m.save(c.dir)
}

// Save writes the current manifest without finalizing.
func (c *Container) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.save(c.dir)
}
