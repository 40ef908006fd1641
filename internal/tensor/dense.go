package tensor

import (
	"fmt"
	"slices"
	"strings"
)

// Dense is an n-dimensional row-major float32 array.
type Dense struct {
	Shape []int
	Data  []float32
}

// NewDense allocates a zeroed tensor of the given shape.
func NewDense(shape ...int) *Dense {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Dense{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// DenseFromData wraps data without copying.
func DenseFromData(data []float32, shape ...int) (*Dense, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, errNegativeDim
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: shape %v wants %d elements, got %d", shape, n, len(data))
	}
	return &Dense{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Rank returns the number of dimensions.
func (d *Dense) Rank() int { return len(d.Shape) }

// Len returns the number of elements.
func (d *Dense) Len() int { return len(d.Data) }

// Clone returns a deep copy.
func (d *Dense) Clone() *Dense {
	return &Dense{
		Shape: append([]int(nil), d.Shape...),
		Data:  append([]float32(nil), d.Data...),
	}
}

// Offset returns the flat index of the element at idx.
func (d *Dense) Offset(idx ...int) int {
	if len(idx) != len(d.Shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match shape %v", len(idx), d.Shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= d.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, d.Shape))
		}
		off = off*d.Shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (d *Dense) At(idx ...int) float32 {
	return d.Data[d.Offset(idx...)]
}

// Slice returns a view of the innermost row addressed by the leading indices.
func (d *Dense) Slice(lead ...int) []float32 {
	if len(lead) >= len(d.Shape) {
		panic("tensor: too many leading indices")
	}
	off := 0
	for i, v := range lead {
		if v < 0 || v >= d.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", lead, d.Shape))
		}
		off = off*d.Shape[i] + v
	}
	size := 1
	for _, s := range d.Shape[len(lead):] {
		size *= s
	}
	off *= size
	return d.Data[off : off+size]
}

// Stack joins tensors of identical shape along a new axis.
func Stack(axis int, ts []*Dense) (*Dense, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: stack of zero tensors")
	}
	base := ts[0].Shape
	if axis < 0 || axis > len(base) {
		return nil, fmt.Errorf("tensor: stack axis %d out of range for rank %d", axis, len(base))
	}
	for i, t := range ts[1:] {
		if !slices.Equal(base, t.Shape) {
			return nil, fmt.Errorf("tensor: stack input %d has shape %v, want %v", i+1, t.Shape, base)
		}
	}

	outer := 1
	for _, s := range base[:axis] {
		outer *= s
	}
	inner := 1
	for _, s := range base[axis:] {
		inner *= s
	}

	shape := make([]int, 0, len(base)+1)
	shape = append(shape, base[:axis]...)
	shape = append(shape, len(ts))
	shape = append(shape, base[axis:]...)
	out := NewDense(shape...)

	n := len(ts)
	for o := 0; o < outer; o++ {
		for k, t := range ts {
			dst := out.Data[(o*n+k)*inner : (o*n+k+1)*inner]
			copy(dst, t.Data[o*inner:(o+1)*inner])
		}
	}
	return out, nil
}

// Nested4 converts a rank-4 tensor to nested slices.
func (d *Dense) Nested4() ([][][][]float32, error) {
	if len(d.Shape) != 4 {
		return nil, fmt.Errorf("tensor: Nested4 on rank %d tensor", len(d.Shape))
	}
	a, b, c, n := d.Shape[0], d.Shape[1], d.Shape[2], d.Shape[3]
	out := make([][][][]float32, a)
	off := 0
	for i := range out {
		out[i] = make([][][]float32, b)
		for j := range out[i] {
			out[i][j] = make([][]float32, c)
			for k := range out[i][j] {
				row := make([]float32, n)
				copy(row, d.Data[off:off+n])
				out[i][j][k] = row
				off += n
			}
		}
	}
	return out, nil
}

func (d *Dense) String() string {
	dims := make([]string, len(d.Shape))
	for i, s := range d.Shape {
		dims[i] = fmt.Sprint(s)
	}
	return "Dense(" + strings.Join(dims, ", ") + ")"
}
