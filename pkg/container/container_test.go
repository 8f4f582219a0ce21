package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/metadata"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/storage/object"
	"github.com/trialflow/trialflow/pkg/writer"
)

// slabsFor returns cumulative slabs for the given trial lengths.
func slabsFor(lengths ...int) ([]Slab, int) {
	var slabs []Slab
	next := 0
	for _, n := range lengths {
		slabs = append(slabs, Slab{Start: next, Stop: next + n})
		next += n
	}
	return slabs, next
}

func newTestContainer(t *testing.T, lengths ...int) *Container {
	t.Helper()
	slabs, total := slabsFor(lengths...)
	c, err := Create(t.TempDir(), Layout{
		DType:  ndarray.Float64,
		Shape:  ndarray.Shape{total, 1, 1, 2},
		Slabs:  slabs,
		Dimord: []string{"time", "taper", "freq", "channel"},
		Writer: writer.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return c
}

// trialData fills rows with value trial*100 + row*2 + channel.
func trialData(trial, rows int) *ndarray.Array {
	a := ndarray.New(ndarray.Shape{rows, 1, 1, 2}, ndarray.Float64)
	for r := 0; r < rows; r++ {
		for ch := 0; ch < 2; ch++ {
			a.Set(float64(trial*100+r*2+ch), r, 0, 0, ch)
		}
	}
	return a
}

func writeAll(t *testing.T, c *Container, lengths ...int) {
	t.Helper()
	for k, n := range lengths {
		if err := c.WriteSlab(context.Background(), k, trialData(k, n), nil); err != nil {
			t.Fatalf("WriteSlab(%d) failed: %v", k, err)
		}
	}
}

func TestReadAcrossExtents(t *testing.T) {
	c := newTestContainer(t, 2, 3, 1)
	writeAll(t, c, 2, 3, 1)
	if err := c.Finalize(Finalization{SampleRate: 1000}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	c, err := Open(c.Dir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got, err := c.ReadRows(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("ReadRows failed: %v", err)
	}
	if !got.Shape().Equal(ndarray.Shape{4, 1, 1, 2}) {
		t.Fatalf("Expected shape (4, 1, 1, 2), got %s", got.Shape())
	}

	// rows 1..4 are trial0 row1, trial1 rows 0-2
	want := [][2]float64{{2, 3}, {100, 101}, {102, 103}, {104, 105}}
	for i, w := range want {
		for ch := 0; ch < 2; ch++ {
			if v := got.At(i, 0, 0, ch); v != w[ch] {
				t.Errorf("row %d channel %d: expected %v, got %v", i, ch, w[ch], v)
			}
		}
	}

	trial, err := c.ReadTrial(context.Background(), 2)
	if err != nil {
		t.Fatalf("ReadTrial failed: %v", err)
	}
	if trial.Len() != 1 || trial.At(0, 0, 0, 1) != 201 {
		t.Errorf("Expected trial 2 = [[200, 201]], got %v", trial.Data())
	}

	m := c.Manifest()
	if m.FinalizedAt == nil || len(m.Failed) != 0 {
		t.Errorf("Expected finalized manifest without failures, got %+v", m)
	}
}

func TestReadOutOfRange(t *testing.T) {
	c := newTestContainer(t, 2)
	writeAll(t, c, 2)

	_, err := c.ReadRows(context.Background(), 0, 3)
	if !errors.IsCode(err, errors.CodeOutOfRange) {
		t.Errorf("Expected out of range error, got %v", err)
	}
}

func TestReadMissingExtent(t *testing.T) {
	c := newTestContainer(t, 2, 2, 2)
	ctx := context.Background()
	for _, k := range []int{0, 2} {
		if err := c.WriteSlab(ctx, k, trialData(k, 2), nil); err != nil {
			t.Fatalf("WriteSlab failed: %v", err)
		}
	}
	c.MarkFailed(1, errors.New(errors.CodeKernelFailed, "boom"))

	if _, err := c.ReadRows(ctx, 0, 6); !errors.IsCode(err, errors.CodeDatasetMissing) {
		t.Errorf("Expected dataset missing for failed extent, got %v", err)
	}
	if _, err := c.ReadTrial(ctx, 2); err != nil {
		t.Errorf("Expected surviving trial readable, got %v", err)
	}

	ext, _ := c.Extent(2)
	if err := os.Remove(filepath.Join(c.Dir(), ext.File)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadTrial(ctx, 2); !errors.IsCode(err, errors.CodeDatasetMissing) {
		t.Errorf("Expected dataset missing for deleted file, got %v", err)
	}

	if err := c.Finalize(Finalization{}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := c.Manifest().Failed; len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected failed [1], got %v", got)
	}
}

func TestWriteSlabShapeViolation(t *testing.T) {
	c := newTestContainer(t, 2, 3)
	err := c.WriteSlab(context.Background(), 1, trialData(1, 2), nil)
	if !errors.IsCode(err, errors.CodeShapeViolation) {
		t.Errorf("Expected shape violation, got %v", err)
	}
}

func TestMetadataFold(t *testing.T) {
	c := newTestContainer(t, 1, 1)
	ctx := context.Background()

	md, err := c.Metadata(ctx)
	if err != nil || md != nil {
		t.Fatalf("Expected no metadata, got %v %v", md, err)
	}

	for k := 0; k < 2; k++ {
		b := metadata.NewBundle()
		if err := b.SetAttr(metadata.EncodeLabel("n_peaks", k, 0), int64(k+1)); err != nil {
			t.Fatal(err)
		}
		if err := c.WriteSlab(ctx, k, trialData(k, 1), b); err != nil {
			t.Fatalf("WriteSlab failed: %v", err)
		}
	}

	md, err = c.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if md.Len() != 2 || md.Attrs["n_peaks__1_0"] != int64(2) {
		t.Errorf("Expected merged attrs, got %v", md.Attrs)
	}

	if err := c.Finalize(Finalization{Metadata: md}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if c.Manifest().Metadata != rootGroupName {
		t.Errorf("Expected root metadata group, got %q", c.Manifest().Metadata)
	}
	root, err := c.Metadata(ctx)
	if err != nil || root.Len() != 2 {
		t.Errorf("Expected root group with 2 entries, got %v %v", root, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	c := newTestContainer(t, 2, 2)
	writeAll(t, c, 2, 2)
	ctx := context.Background()

	if err := c.Verify(ctx); err != nil {
		t.Fatalf("Expected clean verify, got %v", err)
	}

	ext, _ := c.Extent(1)
	f, err := os.OpenFile(filepath.Join(c.Dir(), ext.File), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0})
	f.Close()

	if err := c.Verify(ctx); !errors.IsCode(err, errors.CodeChecksum) {
		t.Errorf("Expected checksum error, got %v", err)
	}
}

func TestAverage(t *testing.T) {
	c := newTestContainer(t, 2, 2, 2)
	writeAll(t, c, 2, 2, 2)
	ctx := context.Background()

	if err := c.Average(ctx); err != nil {
		t.Fatalf("Average failed: %v", err)
	}
	if !c.Shape().Equal(ndarray.Shape{2, 1, 1, 2}) {
		t.Fatalf("Expected averaged shape (2, 1, 1, 2), got %s", c.Shape())
	}
	got, err := c.ReadRows(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ReadRows failed: %v", err)
	}
	// mean over trials of trial*100 + r*2 + ch is 100 + r*2 + ch
	for r := 0; r < 2; r++ {
		for ch := 0; ch < 2; ch++ {
			want := float64(100 + r*2 + ch)
			if v := got.At(r, 0, 0, ch); v != want {
				t.Errorf("row %d channel %d: expected %v, got %v", r, ch, want, v)
			}
		}
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), extentDir, "trial-000000.parquet")); !os.IsNotExist(err) {
		t.Error("Expected trial extents to be removed")
	}
}

func TestAverageUnequalLengths(t *testing.T) {
	c := newTestContainer(t, 2, 3)
	writeAll(t, c, 2, 3)
	if err := c.Average(context.Background()); !errors.IsCode(err, errors.CodeShapeMismatch) {
		t.Errorf("Expected shape mismatch, got %v", err)
	}
}

func TestCreateResumesExtents(t *testing.T) {
	c := newTestContainer(t, 2, 2)
	if err := c.WriteSlab(context.Background(), 0, trialData(0, 2), nil); err != nil {
		t.Fatal(err)
	}
	first, _ := c.Extent(0)

	slabs, total := slabsFor(2, 2)
	again, err := Create(c.Dir(), Layout{
		DType:  ndarray.Float64,
		Shape:  ndarray.Shape{total, 1, 1, 2},
		Slabs:  slabs,
		Writer: writer.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Create on existing container failed: %v", err)
	}
	if again.ID() != c.ID() {
		t.Errorf("Expected id %s to be kept, got %s", c.ID(), again.ID())
	}
	ext, _ := again.Extent(0)
	if ext.Status != StatusWritten || ext.Checksum != first.Checksum {
		t.Errorf("Expected written extent to survive, got %+v", ext)
	}
	if !again.Adopt(0, first.Checksum) {
		t.Error("Expected Adopt to accept matching checksum")
	}
	if again.Adopt(0, "deadbeef") {
		t.Error("Expected Adopt to reject wrong checksum")
	}

	_, err = Create(c.Dir(), Layout{
		DType:  ndarray.Float64,
		Shape:  ndarray.Shape{5, 1, 1, 2},
		Slabs:  []Slab{{0, 5}},
		Writer: writer.DefaultConfig(),
	})
	if err == nil {
		t.Error("Expected error for a different layout")
	}
}

func TestExtentStatusPersisted(t *testing.T) {
	c := newTestContainer(t, 2, 2, 2)
	if err := c.WriteSlab(context.Background(), 0, trialData(0, 2), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteSlab(context.Background(), 2, trialData(2, 2), nil); err != nil {
		t.Fatal(err)
	}
	c.MarkFailed(1, errors.New(errors.CodeKernelFailed, "boom"))
	c.Reset(2)

	m, err := loadManifest(c.Dir())
	if err != nil {
		t.Fatalf("loadManifest failed: %v", err)
	}
	tests := []struct {
		trial  int
		status string
	}{
		{0, StatusWritten},
		{1, StatusFailed},
		{2, StatusPending},
	}
	for _, tt := range tests {
		ext := m.Extents[tt.trial]
		if ext.Status != tt.status {
			t.Errorf("Expected trial %d %s on disk, got %s", tt.trial, tt.status, ext.Status)
		}
	}
	if m.Extents[0].Checksum == "" {
		t.Error("Expected checksum of trial 0 on disk")
	}
	if m.Extents[2].Checksum != "" {
		t.Errorf("Expected reset trial to drop its checksum, got %s", m.Extents[2].Checksum)
	}
}

func TestPublishFetch(t *testing.T) {
	c := newTestContainer(t, 1, 2)
	writeAll(t, c, 1, 2)
	if err := c.Finalize(Finalization{SampleRate: 500}); err != nil {
		t.Fatal(err)
	}

	store := object.NewMemoryStorage()
	ctx := context.Background()
	n, err := Publish(ctx, c, store, "runs/abc")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if n == 0 {
		t.Error("Expected bytes to be published")
	}

	fetched, err := Fetch(ctx, store, "runs/abc", filepath.Join(t.TempDir(), "copy"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if fetched.Manifest().SampleRate != 500 {
		t.Errorf("Expected sample rate 500, got %v", fetched.Manifest().SampleRate)
	}
	got, err := fetched.ReadRows(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ReadRows on fetched container failed: %v", err)
	}
	if got.At(2, 0, 0, 0) != 102 {
		t.Errorf("Expected 102, got %v", got.At(2, 0, 0, 0))
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(t.TempDir()); !errors.IsCode(err, errors.CodeDatasetMissing) {
		t.Errorf("Expected dataset missing, got %v", err)
	}
}

func TestViewCountAndCompact(t *testing.T) {
	c := newTestContainer(t, 2, 3)
	writeAll(t, c, 2, 3)
	ctx := context.Background()

	v, err := OpenView(ctx, c)
	if err != nil {
		t.Fatalf("OpenView failed: %v", err)
	}
	defer v.Close()

	n, err := v.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 rows, got %d", n)
	}
	lo, hi, err := v.RowRange(ctx)
	if err != nil || lo != 0 || hi != 4 {
		t.Errorf("Expected row range [0, 4], got [%d, %d] %v", lo, hi, err)
	}

	dst := filepath.Join(t.TempDir(), "compact.parquet")
	if err := v.Compact(ctx, dst); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	f, err := writer.ReadFile(ctx, dst)
	if err != nil {
		t.Fatalf("reading compacted file failed: %v", err)
	}
	defer f.Release()
	if f.Table.NumRows() != 5 {
		t.Errorf("Expected 5 compacted rows, got %d", f.Table.NumRows())
	}
}
