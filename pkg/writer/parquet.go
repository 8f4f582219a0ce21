package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

func codec(c CompressionType) compress.Compression {
	switch c {
	case CompressionSnappy:
		return compress.Codecs.Snappy
	case CompressionGzip:
		return compress.Codecs.Gzip
	case CompressionZstd:
		return compress.Codecs.Zstd
	case CompressionLZ4:
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Uncompressed
	}
}

// WithMetadata returns schema with the given key-value pairs attached.
// Keys are sorted so files are byte-stable for identical input.
func WithMetadata(schema *arrow.Schema, kv map[string]string) *arrow.Schema {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = kv[k]
	}
	md := arrow.NewMetadata(keys, values)
	return arrow.NewSchema(schema.Fields(), &md)
}

// WriteRecords writes records to path. The file is written to a temporary
// sibling and renamed on success, so readers never see a partial file.
func WriteRecords(path string, schema *arrow.Schema, records []arrow.Record, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	rowGroup := cfg.RowGroupSize
	if rowGroup <= 0 {
		rowGroup = DefaultConfig().RowGroupSize
	}
	createdBy := cfg.CreatedBy
	if createdBy == "" {
		createdBy = DefaultConfig().CreatedBy
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(codec(cfg.Compression)),
		parquet.WithMaxRowGroupLength(rowGroup),
		parquet.WithCreatedBy(createdBy),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	w, err := pqarrow.NewFileWriter(schema, f, writerProps, arrowProps)
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	// Close also closes f.
	if err := w.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close writer: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file to final path: %w", err)
	}
	return nil
}
