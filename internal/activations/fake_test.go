package activations

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/samcharles93/grabber/internal/tensor"
)

// fakeSubject maps whitespace separated words to ids and fills each capture
// with layer*1000 + b*100 + t*10 + n.
type fakeSubject struct {
	layers  int
	hidden  int
	pad     int
	vocab   []string
	calls   atomic.Int64
	lastReq []int
	err     error
}

func newFakeSubject() *fakeSubject {
	return &fakeSubject{
		layers: 4,
		hidden: 3,
		pad:    0,
		vocab:  []string{"<pad>", "Hello", ",", "world", "!", "the", "cat"},
	}
}

func (f *fakeSubject) Encode(text string) ([]int, error) {
	var ids []int
	for _, w := range strings.Fields(text) {
		id := -1
		for i, v := range f.vocab {
			if v == w {
				id = i
			}
		}
		if id < 0 {
			return nil, fmt.Errorf("unknown word %q", w)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSubject) Decode(ids []int) (string, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(f.vocab) {
			return "", fmt.Errorf("bad id %d", id)
		}
		parts[i] = f.vocab[id]
	}
	return strings.Join(parts, " "), nil
}

func (f *fakeSubject) PadTokenID() int { return f.pad }
func (f *fakeSubject) NumLayers() int  { return f.layers }
func (f *fakeSubject) HiddenSize() int { return f.hidden }

func (f *fakeSubject) ForwardCapture(_ context.Context, ids, _ [][]int, layers []int) (map[int]*tensor.Dense, error) {
	f.calls.Add(1)
	f.lastReq = append([]int(nil), layers...)
	if f.err != nil {
		return nil, f.err
	}
	B, T := len(ids), len(ids[0])
	out := make(map[int]*tensor.Dense, len(layers))
	for _, l := range layers {
		d := tensor.NewDense(B, T, f.hidden)
		for b := range B {
			for t := range T {
				for n := range f.hidden {
					d.Data[d.Offset(b, t, n)] = fakeValue(l, b, t, n)
				}
			}
		}
		out[l] = d
	}
	return out, nil
}

func fakeValue(l, b, t, n int) float32 {
	return float32(l*1000 + b*100 + t*10 + n)
}
