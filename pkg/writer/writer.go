// Package writer provides the Arrow/Parquet file layer shared by container
// extents and metadata groups: atomic single-record files with key-value
// metadata, and the matching reader.
package writer

// Config holds writer configuration.
type Config struct {
	// Compression type for Parquet output.
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per Parquet row group.
	RowGroupSize int64

	// CreatedBy is stored in the parquet footer.
	CreatedBy string
}

// CompressionType represents Parquet compression options.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

// String returns the compression type name.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ParseCompression parses a compression type string.
func ParseCompression(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Compression:  CompressionZstd,
		RowGroupSize: 64 * 1024,
		CreatedBy:    "trialflow",
	}
}
