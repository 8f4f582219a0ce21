package trial

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trialdef"
	"github.com/trialflow/trialflow/pkg/writer"
)

// Footer keys of a recording file.
const (
	KeyRecording       = "trialflow.recording"
	KeySampleRate      = "trialflow.samplerate"
	KeyTrialDefinition = "trialflow.trialdefinition"
)

// ParquetProvider serves trials from a recording file with one float64
// column per channel. Only the row groups overlapping a trial are read.
type ParquetProvider struct {
	*base

	mu        sync.Mutex
	rdr       *file.Reader
	fr        *pqarrow.FileReader
	groupEnds []int64
	columns   []int
}

// OpenParquet opens a recording written by WriteRecording.
func OpenParquet(path string, sel *Selection, timeAxis int) (*ParquetProvider, error) {
	return OpenParquetWith(path, nil, sel, timeAxis)
}

// OpenParquetWith opens a recording and uses table instead of the trial
// definition stored in the file. A nil table keeps the stored one.
func OpenParquetWith(path string, table *trialdef.Table, sel *Selection, timeAxis int) (*ParquetProvider, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReadFailed, "open recording").
			WithContext("path", path)
	}

	p, err := newParquetProvider(rdr, table, sel, timeAxis)
	if err != nil {
		rdr.Close()
		return nil, errors.Wrap(err, errors.CodeReadFailed, "open recording").
			WithContext("path", path)
	}
	return p, nil
}

func newParquetProvider(rdr *file.Reader, table *trialdef.Table, sel *Selection, timeAxis int) (*ParquetProvider, error) {
	kv := rdr.MetaData().KeyValueMetadata()
	if kv.FindValue(KeyRecording) == nil {
		return nil, fmt.Errorf("file is not a recording")
	}

	info := Info{DType: ndarray.Float64, TimeAxis: timeAxis}
	if v := kv.FindValue(KeySampleRate); v != nil {
		sr, err := strconv.ParseFloat(*v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad sample rate %q: %w", *v, err)
		}
		info.SampleRate = sr
	}
	if table == nil {
		v := kv.FindValue(KeyTrialDefinition)
		if v == nil {
			return nil, fmt.Errorf("recording has no trial definition")
		}
		var rows [][]int64
		if err := json.Unmarshal([]byte(*v), &rows); err != nil {
			return nil, fmt.Errorf("bad trial definition: %w", err)
		}
		var err error
		if table, err = trialdef.NewTable(rows); err != nil {
			return nil, err
		}
	}
	info.Table = table

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, err
	}
	columns := make([]int, schema.NumFields())
	for i, f := range schema.Fields() {
		info.Channels = append(info.Channels, f.Name)
		columns[i] = i
	}

	ends := make([]int64, rdr.NumRowGroups())
	var total int64
	for i := range ends {
		total += rdr.MetaData().RowGroup(i).NumRows()
		ends[i] = total
	}

	b, err := newBase(info, sel)
	if err != nil {
		return nil, err
	}
	return &ParquetProvider{base: b, rdr: rdr, fr: fr, groupEnds: ends, columns: columns}, nil
}

// Trial implements Provider.
func (p *ParquetProvider) Trial(ctx context.Context, k int) (*ndarray.Array, error) {
	return p.read(ctx, p, k)
}

// Close releases the file.
func (p *ParquetProvider) Close() error {
	return p.rdr.Close()
}

func (p *ParquetProvider) readRange(ctx context.Context, start, stop int64) (*ndarray.Array, error) {
	var groups []int
	var first int64 = -1
	var prev int64
	for i, end := range p.groupEnds {
		if end > start && prev < stop {
			if first < 0 {
				first = prev
			}
			groups = append(groups, i)
		}
		prev = end
	}
	if stop > prev || start < 0 {
		return nil, fmt.Errorf("samples [%d, %d) outside recording of %d samples", start, stop, prev)
	}

	out := ndarray.New(ndarray.Shape{int(stop - start), len(p.columns)}, ndarray.Float64)
	if stop == start {
		return out, nil
	}

	p.mu.Lock()
	tbl, err := p.fr.ReadRowGroups(ctx, p.columns, groups)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	nch := len(p.columns)
	data := out.Data()
	for c := 0; c < nch; c++ {
		row := first
		for _, chunk := range tbl.Column(c).Data().Chunks() {
			col, ok := chunk.(*array.Float64)
			if !ok {
				return nil, fmt.Errorf("channel %d is %s, want float64", c, chunk.DataType())
			}
			for _, v := range col.Float64Values() {
				if row >= start && row < stop {
					data[int(row-start)*nch+c] = v
				}
				row++
			}
		}
	}
	return out, nil
}

// WriteRecording stores a continuous float64 recording of shape
// (samples, channels) with its trial definition and sample rate.
func WriteRecording(path string, data *ndarray.Array, info Info, cfg writer.Config) error {
	if len(data.Shape()) != 2 || data.DType() != ndarray.Float64 {
		return fmt.Errorf("recording must be 2-d float64, got %s %s", data.Shape(), data.DType())
	}
	nsamp, nch := data.Shape()[0], data.Shape()[1]
	channels := info.Channels
	if channels == nil {
		channels = DefaultChannels(nch)
	}
	if len(channels) != nch {
		return fmt.Errorf("%d channel labels for %d channels", len(channels), nch)
	}

	trl, err := json.Marshal(info.Table.Rows())
	if err != nil {
		return err
	}

	fields := make([]arrow.Field, nch)
	for i, name := range channels {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64}
	}
	schema := writer.WithMetadata(arrow.NewSchema(fields, nil), map[string]string{
		KeyRecording:       "1",
		KeySampleRate:      strconv.FormatFloat(info.SampleRate, 'g', -1, 64),
		KeyTrialDefinition: string(trl),
	})

	rb := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer rb.Release()
	for c := 0; c < nch; c++ {
		fb := rb.Field(c).(*array.Float64Builder)
		fb.Reserve(nsamp)
		for t := 0; t < nsamp; t++ {
			fb.UnsafeAppend(data.At(t, c))
		}
	}
	rec := rb.NewRecord()
	defer rec.Release()

	return writer.WriteRecords(path, schema, []arrow.Record{rec}, cfg)
}
