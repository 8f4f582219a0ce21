package metadata

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/writer"
)

const (
	kindAttr    = "attr"
	kindDataset = "dataset"

	groupFormatKey = "trialflow.metadata_group"
	groupVersion   = "1"
)

// Attribute type tags stored in the "type" column.
const (
	typeFloat  = "float64"
	typeInt    = "int64"
	typeBool   = "bool"
	typeString = "string"
	typeFloats = "float64[]"
	typeInts   = "int64[]"
)

func groupSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "label", Type: arrow.BinaryTypes.String},
		{Name: "kind", Type: arrow.BinaryTypes.String},
		{Name: "type", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: "ints", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

type groupBuilder struct {
	rb     *array.RecordBuilder
	label  *array.StringBuilder
	kind   *array.StringBuilder
	typ    *array.StringBuilder
	shape  *array.ListBuilder
	values *array.ListBuilder
	ints   *array.ListBuilder
	text   *array.StringBuilder
}

func newGroupBuilder(mem memory.Allocator, schema *arrow.Schema) *groupBuilder {
	rb := array.NewRecordBuilder(mem, schema)
	return &groupBuilder{
		rb:     rb,
		label:  rb.Field(0).(*array.StringBuilder),
		kind:   rb.Field(1).(*array.StringBuilder),
		typ:    rb.Field(2).(*array.StringBuilder),
		shape:  rb.Field(3).(*array.ListBuilder),
		values: rb.Field(4).(*array.ListBuilder),
		ints:   rb.Field(5).(*array.ListBuilder),
		text:   rb.Field(6).(*array.StringBuilder),
	}
}

func (g *groupBuilder) append(label, kind, typ string, shape []int64, values []float64, ints []int64, text *string) {
	g.label.Append(label)
	g.kind.Append(kind)
	g.typ.Append(typ)

	g.shape.Append(true)
	g.shape.ValueBuilder().(*array.Int64Builder).AppendValues(shape, nil)
	g.values.Append(true)
	g.values.ValueBuilder().(*array.Float64Builder).AppendValues(values, nil)
	g.ints.Append(true)
	g.ints.ValueBuilder().(*array.Int64Builder).AppendValues(ints, nil)

	if text != nil {
		g.text.Append(*text)
	} else {
		g.text.AppendNull()
	}
}

func (g *groupBuilder) appendAttr(label string, v any) error {
	switch x := v.(type) {
	case float64:
		g.append(label, kindAttr, typeFloat, nil, []float64{x}, nil, nil)
	case int64:
		g.append(label, kindAttr, typeInt, nil, nil, []int64{x}, nil)
	case bool:
		f := 0.0
		if x {
			f = 1
		}
		g.append(label, kindAttr, typeBool, nil, []float64{f}, nil, nil)
	case string:
		g.append(label, kindAttr, typeString, nil, nil, nil, &x)
	case []float64:
		g.append(label, kindAttr, typeFloats, []int64{int64(len(x))}, x, nil, nil)
	case []int64:
		g.append(label, kindAttr, typeInts, []int64{int64(len(x))}, nil, x, nil)
	default:
		return fmt.Errorf("attribute %s has unsupported type %T", label, v)
	}
	return nil
}

func (g *groupBuilder) appendDataset(label string, arr *ndarray.Array) {
	shape := make([]int64, len(arr.Shape()))
	for i, d := range arr.Shape() {
		shape[i] = int64(d)
	}
	g.append(label, kindDataset, arr.DType().String(), shape, arr.Data(), nil, nil)
}

// WriteGroup persists b as a parquet metadata group at path.
func WriteGroup(path string, b *Bundle, cfg writer.Config) error {
	schema := writer.WithMetadata(groupSchema(), map[string]string{
		groupFormatKey: groupVersion,
	})

	g := newGroupBuilder(memory.NewGoAllocator(), schema)
	defer g.rb.Release()

	for _, k := range b.Keys() {
		if v, ok := b.Attrs[k]; ok {
			if err := g.appendAttr(k, v); err != nil {
				return errors.Wrap(err, errors.CodeWriteFailed, "write metadata group")
			}
			continue
		}
		g.appendDataset(k, b.Datasets[k])
	}

	rec := g.rb.NewRecord()
	defer rec.Release()

	if err := writer.WriteRecords(path, schema, []arrow.Record{rec}, cfg); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write metadata group").
			WithContext("path", path)
	}
	return nil
}

type groupRow struct {
	label, kind, typ string
	shape            []int64
	values           []float64
	ints             []int64
	text             string
}

// ReadGroup loads a metadata group. A missing file means the producer
// emitted no metadata and yields (nil, nil).
func ReadGroup(ctx context.Context, path string) (*Bundle, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	f, err := writer.ReadFile(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReadFailed, "read metadata group").
			WithContext("path", path)
	}
	defer f.Release()

	if _, ok := f.Meta(groupFormatKey); !ok {
		return nil, errors.New(errors.CodeReadFailed, "file is not a metadata group").
			WithContext("path", path)
	}

	n := int(f.Table.NumRows())
	rows := make([]groupRow, n)

	err = writer.EachString(f.Column("label"), func(i int, v string, _ bool) error {
		rows[i].label = v
		return nil
	})
	if err == nil {
		err = writer.EachString(f.Column("kind"), func(i int, v string, _ bool) error {
			rows[i].kind = v
			return nil
		})
	}
	if err == nil {
		err = writer.EachString(f.Column("type"), func(i int, v string, _ bool) error {
			rows[i].typ = v
			return nil
		})
	}
	if err == nil {
		err = writer.EachString(f.Column("text"), func(i int, v string, _ bool) error {
			rows[i].text = v
			return nil
		})
	}
	if err == nil {
		err = writer.EachInt64List(f.Column("shape"), func(i int, v []int64) error {
			rows[i].shape = append([]int64(nil), v...)
			return nil
		})
	}
	if err == nil {
		err = writer.EachFloat64List(f.Column("values"), func(i int, v []float64) error {
			rows[i].values = append([]float64(nil), v...)
			return nil
		})
	}
	if err == nil {
		err = writer.EachInt64List(f.Column("ints"), func(i int, v []int64) error {
			rows[i].ints = append([]int64(nil), v...)
			return nil
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReadFailed, "decode metadata group").
			WithContext("path", path)
	}

	b := NewBundle()
	for _, r := range rows {
		if err := r.into(b); err != nil {
			return nil, errors.Wrap(err, errors.CodeReadFailed, "decode metadata group").
				WithContext("path", path)
		}
	}
	return b, nil
}

func (r groupRow) into(b *Bundle) error {
	if r.kind == kindDataset {
		dtype, err := ndarray.ParseDType(r.typ)
		if err != nil {
			return err
		}
		shape := make(ndarray.Shape, len(r.shape))
		for i, d := range r.shape {
			shape[i] = int(d)
		}
		arr, err := ndarray.FromData(shape, dtype, r.values)
		if err != nil {
			return err
		}
		b.Datasets[r.label] = arr
		return nil
	}

	switch r.typ {
	case typeFloat:
		b.Attrs[r.label] = first(r.values)
	case typeBool:
		b.Attrs[r.label] = first(r.values) != 0
	case typeInt:
		if len(r.ints) > 0 {
			b.Attrs[r.label] = r.ints[0]
		} else {
			b.Attrs[r.label] = int64(0)
		}
	case typeString:
		b.Attrs[r.label] = r.text
	case typeFloats:
		b.Attrs[r.label] = nonNilFloats(r.values)
	case typeInts:
		b.Attrs[r.label] = nonNilInts(r.ints)
	default:
		return fmt.Errorf("unknown attribute type %q for %s", r.typ, r.label)
	}
	return nil
}

func first(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
