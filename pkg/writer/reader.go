package writer

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/metadata"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// File is a fully read parquet file. Release must be called when done.
type File struct {
	Table arrow.Table
	kv    metadata.KeyValueMetadata
}

// Meta returns a footer key-value entry.
func (f *File) Meta(key string) (string, bool) {
	v := f.kv.FindValue(key)
	if v == nil {
		return "", false
	}
	return *v, true
}

// Column returns the chunks of the named column, or nil if absent.
func (f *File) Column(name string) []arrow.Array {
	idx := f.Table.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil
	}
	return f.Table.Column(idx[0]).Data().Chunks()
}

// Release frees the table buffers.
func (f *File) Release() {
	if f.Table != nil {
		f.Table.Release()
	}
}

// ReadFile reads a whole parquet file into memory.
func ReadFile(ctx context.Context, path string) (*File, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}

	return &File{Table: tbl, kv: rdr.MetaData().KeyValueMetadata()}, nil
}
