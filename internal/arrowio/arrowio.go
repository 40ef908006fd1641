// Package arrowio converts extraction results to and from Arrow record
// batches so they can be streamed over IPC or Flight.
//
// Each batch element becomes one record with one row per (layer, position)
// pair, layer-major. The requested layer order and the array shape travel as
// schema metadata.
package arrowio

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/tensor"
)

// ContentType is the media type of an Arrow IPC stream.
const ContentType = "application/vnd.apache.arrow.stream"

const (
	metaLayers = "grabber.layers"
	metaShape  = "grabber.shape"
)

const (
	colBatch = iota
	colLayer
	colPosition
	colToken
	colTokenID
	colMask
	colActivation
)

// Schema returns the record schema for activations of width hidden. A nil
// layers slice leaves the layer metadata empty.
func Schema(hidden int, layers []int, shape []int) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "token", Type: arrow.BinaryTypes.String},
		{Name: "token_id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "mask", Type: arrow.PrimitiveTypes.Int8},
		{Name: "activation", Type: arrow.FixedSizeListOf(int32(hidden), arrow.PrimitiveTypes.Float32)},
	}
	md := arrow.NewMetadata(
		[]string{metaLayers, metaShape},
		[]string{joinInts(layers), joinInts(shape)},
	)
	return arrow.NewSchema(fields, &md)
}

// ResultSchema returns the schema Records uses for r.
func ResultSchema(r *activations.Result) *arrow.Schema {
	shape := r.Activations.Shape()
	return Schema(shape[3], r.Layers, shape)
}

// Records builds one record per batch element. Callers must Release every
// returned record.
func Records(mem memory.Allocator, r *activations.Result) ([]arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	shape := r.Activations.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("arrowio: activations have rank %d, want 4", len(shape))
	}
	B, L, T := shape[0], shape[1], shape[2]
	if len(r.Tokens) != B || len(r.TokenIDs) != B || len(r.AttentionMask) != B || len(r.Layers) != L {
		return nil, errors.New("arrowio: result fields disagree with activation shape")
	}
	schema := ResultSchema(r)

	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	batchCol := rb.Field(colBatch).(*array.Int32Builder)
	layerCol := rb.Field(colLayer).(*array.Int32Builder)
	posCol := rb.Field(colPosition).(*array.Int32Builder)
	tokCol := rb.Field(colToken).(*array.StringBuilder)
	idCol := rb.Field(colTokenID).(*array.Int32Builder)
	maskCol := rb.Field(colMask).(*array.Int8Builder)
	actCol := rb.Field(colActivation).(*array.FixedSizeListBuilder)
	actValues := actCol.ValueBuilder().(*array.Float32Builder)

	out := make([]arrow.Record, 0, B)
	for b := range B {
		for l := range L {
			for t := range T {
				batchCol.Append(int32(b))
				layerCol.Append(int32(r.Layers[l]))
				posCol.Append(int32(t))
				tokCol.Append(r.Tokens[b][t])
				idCol.Append(int32(r.TokenIDs[b][t]))
				maskCol.Append(int8(r.AttentionMask[b][t]))
				actCol.Append(true)
				actValues.AppendValues(r.Activations.Vector(b, l, t), nil)
			}
		}
		out = append(out, rb.NewRecord())
	}
	return out, nil
}

// WriteStream writes r to w as an Arrow IPC stream.
func WriteStream(w io.Writer, r *activations.Result) error {
	mem := memory.NewGoAllocator()
	recs, err := Records(mem, r)
	if err != nil {
		return err
	}
	defer releaseAll(recs)

	iw := ipc.NewWriter(w, ipc.WithSchema(ResultSchema(r)), ipc.WithAllocator(mem))
	for _, rec := range recs {
		if err := iw.Write(rec); err != nil {
			iw.Close()
			return fmt.Errorf("arrowio: write record: %w", err)
		}
	}
	return iw.Close()
}

// RecordSource is satisfied by ipc.Reader and flight.Reader.
type RecordSource interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

// ReadStream decodes an Arrow IPC stream written by WriteStream. The
// activations come back in native format.
func ReadStream(r io.Reader) (*activations.Result, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("arrowio: open stream: %w", err)
	}
	defer rdr.Release()
	return Collect(rdr)
}

// Collect rebuilds a Result from the records of src.
func Collect(src RecordSource) (*activations.Result, error) {
	schema := src.Schema()
	layers, err := metaInts(schema, metaLayers)
	if err != nil {
		return nil, err
	}
	shape, err := metaInts(schema, metaShape)
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 || len(layers) != shape[1] {
		return nil, fmt.Errorf("arrowio: bad shape metadata %v for layers %v", shape, layers)
	}
	B, L, T, N := shape[0], shape[1], shape[2], shape[3]

	res := &activations.Result{
		Tokens:        make([][]string, B),
		TokenIDs:      make([][]int, B),
		AttentionMask: make([][]int, B),
		Layers:        layers,
	}
	for b := range B {
		res.Tokens[b] = make([]string, T)
		res.TokenIDs[b] = make([]int, T)
		res.AttentionMask[b] = make([]int, T)
	}
	dense := tensor.NewDense(B, L, T, N)
	for src.Next() {
		if err := readRecord(src.Record(), res, dense, N); err != nil {
			return nil, err
		}
	}
	if err := src.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("arrowio: read stream: %w", err)
	}
	res.Activations.Native = dense
	return res, nil
}

func readRecord(rec arrow.Record, res *activations.Result, dense *tensor.Dense, n int) error {
	if rec.NumCols() != colActivation+1 {
		return fmt.Errorf("arrowio: record has %d columns", rec.NumCols())
	}
	batchCol, ok1 := rec.Column(colBatch).(*array.Int32)
	posCol, ok2 := rec.Column(colPosition).(*array.Int32)
	tokCol, ok3 := rec.Column(colToken).(*array.String)
	idCol, ok4 := rec.Column(colTokenID).(*array.Int32)
	maskCol, ok5 := rec.Column(colMask).(*array.Int8)
	actCol, ok6 := rec.Column(colActivation).(*array.FixedSizeList)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return errors.New("arrowio: unexpected column types")
	}
	values, ok := actCol.ListValues().(*array.Float32)
	if !ok {
		return errors.New("arrowio: activation values are not float32")
	}
	layerCol := rec.Column(colLayer).(*array.Int32)
	floats := values.Float32Values()

	B, L, T := dense.Shape[0], dense.Shape[1], dense.Shape[2]
	for i := range int(rec.NumRows()) {
		b, t := int(batchCol.Value(i)), int(posCol.Value(i))
		if b < 0 || b >= B || t < 0 || t >= T {
			return fmt.Errorf("arrowio: row %d indexes (%d, %d) outside (%d, %d)", i, b, t, B, T)
		}
		res.Tokens[b][t] = tokCol.Value(i)
		res.TokenIDs[b][t] = int(idCol.Value(i))
		res.AttentionMask[b][t] = int(maskCol.Value(i))

		// Rows are layer-major, so the row index gives the layer slot even
		// when a layer was requested twice.
		li := i / T
		if li >= L || res.Layers[li] != int(layerCol.Value(i)) {
			return fmt.Errorf("arrowio: row %d has layer %d out of order", i, layerCol.Value(i))
		}
		start := (actCol.Offset() + i) * n
		copy(dense.Slice(b, li, t), floats[start:start+n])
	}
	return nil
}

func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func metaInts(schema *arrow.Schema, key string) ([]int, error) {
	md := schema.Metadata()
	idx := md.FindKey(key)
	if idx < 0 {
		return nil, fmt.Errorf("arrowio: schema has no %s metadata", key)
	}
	raw := md.Values()[idx]
	if raw == "" {
		return []int{}, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("arrowio: bad %s metadata %q: %w", key, raw, err)
		}
		out[i] = v
	}
	return out, nil
}
