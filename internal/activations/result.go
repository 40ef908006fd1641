package activations

import (
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/grabber/internal/tensor"
)

// OutputFormat selects how Result.Activations holds its data.
type OutputFormat int

const (
	// FormatHost returns nested Go slices indexed [b][l][t][n].
	FormatHost OutputFormat = iota
	// FormatNative returns the stacked *tensor.Dense.
	FormatNative
)

func (f OutputFormat) String() string {
	switch f {
	case FormatHost:
		return "host"
	case FormatNative:
		return "native"
	default:
		return fmt.Sprintf("OutputFormat(%d)", int(f))
	}
}

// ParseFormat accepts "host", "native" and the empty string.
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "host", "numpy":
		return FormatHost, nil
	case "native", "tensor":
		return FormatNative, nil
	default:
		return FormatHost, fmt.Errorf("unknown output format %q", s)
	}
}

// Output is a (B, Lr, T, N) activation array. Exactly one of Native and
// Host is set.
type Output struct {
	Native *tensor.Dense
	Host   [][][][]float32
	// Dims is the shape of Host. Nested slices lose T and N when Lr is 0.
	Dims []int
}

// HostOutput wraps nested activations of the given (B, Lr, T, N) shape.
func HostOutput(host [][][][]float32, shape []int) Output {
	return Output{Host: host, Dims: slices.Clone(shape)}
}

// Shape returns the four dimensions of the array.
func (o Output) Shape() []int {
	if o.Native != nil {
		return slices.Clone(o.Native.Shape)
	}
	if len(o.Dims) == 4 {
		return slices.Clone(o.Dims)
	}
	shape := []int{len(o.Host), 0, 0, 0}
	if len(o.Host) > 0 {
		shape[1] = len(o.Host[0])
		if len(o.Host[0]) > 0 {
			shape[2] = len(o.Host[0][0])
			if len(o.Host[0][0]) > 0 {
				shape[3] = len(o.Host[0][0][0])
			}
		}
	}
	return shape
}

// At returns the value at [b][l][t][n].
func (o Output) At(b, l, t, n int) float32 {
	if o.Native != nil {
		return o.Native.At(b, l, t, n)
	}
	return o.Host[b][l][t][n]
}

// Vector returns the N wide activation at [b][l][t]. The slice aliases the
// output.
func (o Output) Vector(b, l, t int) []float32 {
	if o.Native != nil {
		return o.Native.Slice(b, l, t)
	}
	return o.Host[b][l][t]
}

// Dense returns the native tensor, building one from host data if needed.
func (o Output) Dense() *tensor.Dense {
	if o.Native != nil {
		return o.Native
	}
	shape := o.Shape()
	d := tensor.NewDense(shape...)
	off := 0
	for _, bl := range o.Host {
		for _, lt := range bl {
			for _, tn := range lt {
				off += copy(d.Data[off:], tn)
			}
		}
	}
	return d
}

// MarshalJSON writes the shape and the values nested [b][l][t][n] whatever
// the format.
func (o Output) MarshalJSON() ([]byte, error) {
	values := o.Host
	if o.Native != nil {
		var err error
		if values, err = o.Native.Nested4(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(struct {
		Shape  []int           `json:"shape"`
		Values [][][][]float32 `json:"values"`
	}{Shape: o.Shape(), Values: values})
}

// Result is the bundle returned by an extraction.
type Result struct {
	Activations   Output     `json:"activations"`
	Tokens        [][]string `json:"tokens"`
	TokenIDs      [][]int    `json:"token_ids"`
	AttentionMask [][]int    `json:"attention_mask"`
	Layers        []int      `json:"layers"`
}

func (r *Result) BatchSize() int { return len(r.TokenIDs) }

func (r *Result) NumTokens() int {
	if len(r.TokenIDs) == 0 {
		return 0
	}
	return len(r.TokenIDs[0])
}

func (r *Result) String() string {
	shape := r.Activations.Shape()
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("ActivationData(batch_size=%d, layers=%d, tokens=%d, shape=(%s))",
		len(r.Tokens), len(r.Layers), r.NumTokens(), strings.Join(dims, ", "))
}
