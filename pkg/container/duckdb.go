package container

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/trialflow/trialflow/pkg/errors"
)

// ViewName is the SQL name of the union view over all extents.
const ViewName = "extents"

// View is a DuckDB session exposing every written extent of a container as
// one SQL relation with columns (row, <dataset>).
type View struct {
	db      *sql.DB
	c       *Container
	dataset string
}

// OpenView creates an in-memory DuckDB session with a view over c.
func OpenView(ctx context.Context, c *Container) (*View, error) {
	m := c.Manifest()
	var paths []string
	for _, ext := range m.Extents {
		if ext.Status != StatusWritten {
			continue
		}
		paths = append(paths, fmt.Sprintf("'%s'", escapePath(c.path(ext.File))))
	}
	if len(paths) == 0 {
		return nil, errors.New(errors.CodeDatasetMissing, "container has no written extents").
			WithContext("dir", c.dir)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}

	query := fmt.Sprintf(`CREATE VIEW %s AS SELECT * FROM read_parquet([%s])`,
		ViewName, strings.Join(paths, ", "))
	if _, err := db.ExecContext(ctx, query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeReadFailed, "create extent view").
			WithContext("dir", c.dir)
	}
	return &View{db: db, c: c, dataset: m.Dataset}, nil
}

// Close releases the DuckDB session.
func (v *View) Close() error {
	return v.db.Close()
}

// Count returns the number of rows visible through the view.
func (v *View) Count(ctx context.Context) (int64, error) {
	var n int64
	err := v.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", ViewName)).Scan(&n)
	return n, err
}

// RowRange returns the smallest and largest global row index in the view.
func (v *View) RowRange(ctx context.Context) (lo, hi int64, err error) {
	err = v.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MIN(row), MAX(row) FROM %s", ViewName)).Scan(&lo, &hi)
	return lo, hi, err
}

// Compact physically merges every extent into one parquet file at dst,
// ordered by global row index. The container itself is left unchanged.
func (v *View) Compact(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	compression := v.c.Manifest().Compression
	switch compression {
	case "snappy", "gzip", "zstd":
	case "none":
		compression = "uncompressed"
	default:
		compression = "zstd"
	}

	query := fmt.Sprintf(`
		COPY (SELECT * FROM %s ORDER BY row)
		TO '%s'
		(FORMAT PARQUET, COMPRESSION '%s')
	`, ViewName, escapePath(dst), compression)
	if _, err := v.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "compact container").
			WithContext("dst", dst)
	}
	return nil
}

func escapePath(path string) string {
	return strings.ReplaceAll(path, "'", "''")
}
