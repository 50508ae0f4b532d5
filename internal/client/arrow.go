package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/dtype"
	"github.com/23skdu/longbow-abs/internal/kernels/abs"
)

// DataTypeOf maps an Arrow column type to the element type abs understands.
// The second result is false for columns abs leaves alone.
func DataTypeOf(t arrow.DataType) (dtype.DataType, bool) {
	switch t.ID() {
	case arrow.FLOAT16:
		return dtype.Half, true
	case arrow.FLOAT32:
		return dtype.Float, true
	case arrow.FLOAT64:
		return dtype.Double, true
	case arrow.INT8:
		return dtype.Int8, true
	case arrow.INT16:
		return dtype.Int16, true
	case arrow.INT32:
		return dtype.Int32, true
	case arrow.INT64:
		return dtype.Int64, true
	case arrow.UINT8:
		return dtype.Uint8, true
	case arrow.UINT16:
		return dtype.Uint16, true
	case arrow.UINT32:
		return dtype.Uint32, true
	case arrow.UINT64:
		return dtype.Uint64, true
	}
	return dtype.Invalid, false
}

// ArrowType is the inverse of DataTypeOf.
func ArrowType(dt dtype.DataType) (arrow.DataType, error) {
	switch dt {
	case dtype.Half:
		return arrow.FixedWidthTypes.Float16, nil
	case dtype.Float:
		return arrow.PrimitiveTypes.Float32, nil
	case dtype.Double:
		return arrow.PrimitiveTypes.Float64, nil
	case dtype.Int8:
		return arrow.PrimitiveTypes.Int8, nil
	case dtype.Int16:
		return arrow.PrimitiveTypes.Int16, nil
	case dtype.Int32:
		return arrow.PrimitiveTypes.Int32, nil
	case dtype.Int64:
		return arrow.PrimitiveTypes.Int64, nil
	case dtype.Uint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case dtype.Uint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case dtype.Uint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case dtype.Uint64:
		return arrow.PrimitiveTypes.Uint64, nil
	}
	return nil, fmt.Errorf("%w: no arrow column type for %s", device.ErrUnsupportedType, dt)
}

// NewColumnRecord wraps a little-endian element buffer in a single-column
// record. The data is copied into mem.
func NewColumnRecord(mem memory.Allocator, name string, dt dtype.DataType, data []byte) (arrow.RecordBatch, error) {
	at, err := ArrowType(dt)
	if err != nil {
		return nil, err
	}
	if len(data)%dt.Size() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s elements",
			device.ErrInvalidArgument, len(data), dt)
	}
	n := len(data) / dt.Size()

	buf := memory.NewResizableBuffer(mem)
	defer buf.Release()
	buf.Resize(len(data))
	copy(buf.Bytes(), data)

	d := array.NewData(at, n, []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer d.Release()
	col := array.MakeFromData(d)
	defer col.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: at}}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{col}, int64(n)), nil
}

// ColumnBytes returns the element bytes of a fixed-width column, honouring
// its offset. The slice aliases the column's memory.
func ColumnBytes(arr arrow.Array) ([]byte, error) {
	dt, ok := DataTypeOf(arr.DataType())
	if !ok {
		return nil, fmt.Errorf("%w: column type %s", device.ErrUnsupportedType, arr.DataType())
	}
	d := arr.Data()
	bufs := d.Buffers()
	if d.Len() == 0 || len(bufs) < 2 || bufs[1] == nil {
		return nil, nil
	}
	w := dt.Size()
	return bufs[1].Bytes()[d.Offset()*w : (d.Offset()+d.Len())*w], nil
}

// RecordProcessor applies abs to every numeric column of a record and passes
// other columns through untouched.
type RecordProcessor struct {
	mem    memory.Allocator
	queue  *device.Queue
	stages int
	grid   device.Dim3
	fn     device.FunctionType
}

// NewRecordProcessor creates a processor that launches stages-deep kernels on
// q with the given launch geometry.
func NewRecordProcessor(mem memory.Allocator, q *device.Queue, stages int, grid device.Dim3, fn device.FunctionType) *RecordProcessor {
	return &RecordProcessor{
		mem:    mem,
		queue:  q,
		stages: stages,
		grid:   grid,
		fn:     fn,
	}
}

// Process returns a new record with the same schema. The caller owns it.
func (p *RecordProcessor) Process(ctx context.Context, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	cols := make([]arrow.Array, 0, rec.NumCols())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for i, col := range rec.Columns() {
		out, err := p.Column(ctx, col)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", rec.ColumnName(i), err)
		}
		cols = append(cols, out)
	}
	return array.NewRecordBatch(rec.Schema(), cols, rec.NumRows()), nil
}

// Column returns |arr| for numeric columns and arr itself (retained)
// otherwise. The validity bitmap and offset are shared with arr.
func (p *RecordProcessor) Column(ctx context.Context, arr arrow.Array) (arrow.Array, error) {
	dt, ok := DataTypeOf(arr.DataType())
	if !ok {
		arr.Retain()
		return arr, nil
	}
	in, err := ColumnBytes(arr)
	if err != nil {
		return nil, err
	}
	if in == nil {
		arr.Retain()
		return arr, nil
	}

	d := arr.Data()
	w := dt.Size()
	off, n := d.Offset(), d.Len()

	out := memory.NewResizableBuffer(p.mem)
	defer out.Release()
	out.Resize((off + n) * w)

	y := device.WrapHostBuffer(out.Bytes()[off*w:])
	if err := abs.Launch(ctx, p.stages, p.grid, p.fn, p.queue, dt, device.WrapHostBuffer(in), y, n); err != nil {
		return nil, err
	}
	columnsProcessed.WithLabelValues(dt.String()).Inc()

	res := array.NewData(arr.DataType(), n, []*memory.Buffer{d.Buffers()[0], out}, nil, d.NullN(), off)
	defer res.Release()
	return array.MakeFromData(res), nil
}
