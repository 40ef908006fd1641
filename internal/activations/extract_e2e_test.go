package activations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/subject"
	"github.com/samcharles93/grabber/internal/toy"
)

func loadToySubject(t *testing.T) (*subject.Subject, *toy.Checkpoint) {
	t.Helper()
	dir := t.TempDir()
	ck, err := toy.Write(dir, toy.DefaultOptions())
	require.NoError(t, err)
	s, err := subject.Loader{}.Load(dir)
	require.NoError(t, err)
	return s, ck
}

func TestExtractHelloWorld(t *testing.T) {
	t.Parallel()
	s, ck := loadToySubject(t)
	g := activations.New(s)

	res, err := g.Extract(context.Background(), activations.Single("Hello, world!"), activations.Config{})
	require.NoError(t, err)

	L := s.NumLayers()
	require.Equal(t, []int{0, 1, 2}, res.Layers)
	require.Equal(t, []int{1, L, 4, 16}, res.Activations.Shape())
	require.Equal(t, []string{"Hello", ",", " world", "!"}, res.Tokens[0])
	require.Equal(t, []int{1, 1, 1, 1}, res.AttentionMask[0])

	// Layer 0 receives the embeddings, not the output of block 0.
	for pos, id := range res.TokenIDs[0] {
		got := res.Activations.Vector(0, 0, pos)
		for i := range got {
			want := ck.Row("wte.weight", id)[i] + ck.Row("wpe.weight", pos)[i]
			require.Equal(t, want, got[i])
		}
	}
	require.NotEqual(t, res.Activations.Vector(0, 0, 1), res.Activations.Vector(0, 1, 1))
}

func TestExtractToyPaddedBatch(t *testing.T) {
	t.Parallel()
	s, ck := loadToySubject(t)
	g := activations.New(s)
	ctx := context.Background()

	batch, err := g.Extract(ctx, []string{"Hello world the cat", "Hello world"}, activations.Config{Layers: []int{2}, Format: activations.FormatNative})
	require.NoError(t, err)
	pad := ck.Vocab[toy.EndOfText]
	require.Equal(t, []int{ck.Vocab["Hello"], ck.Vocab["Ġworld"], pad, pad}, batch.TokenIDs[1])
	require.Equal(t, []int{1, 1, 0, 0}, batch.AttentionMask[1])
	require.Equal(t, "<|endoftext|>", batch.Tokens[1][2])

	alone, err := g.Extract(ctx, activations.Single("Hello world"), activations.Config{Layers: []int{2}, Format: activations.FormatNative})
	require.NoError(t, err)
	for pos := range 2 {
		want := alone.Activations.Vector(0, 0, pos)
		got := batch.Activations.Vector(1, 0, pos)
		for i := range want {
			require.InDelta(t, want[i], got[i], 1e-5)
		}
	}
}

func TestExtractToySwapOrderAndIdempotence(t *testing.T) {
	t.Parallel()
	s, _ := loadToySubject(t)
	g := activations.New(s)
	ctx := context.Background()
	in := activations.Single("Hello world")

	fwd, err := g.Extract(ctx, in, activations.Config{Layers: []int{0, 1, 2}})
	require.NoError(t, err)
	rev, err := g.Extract(ctx, in, activations.Config{Layers: []int{2, 0, 1}})
	require.NoError(t, err)
	require.Equal(t, fwd.Activations.Vector(0, 2, 1), rev.Activations.Vector(0, 0, 1))
	require.Equal(t, fwd.Activations.Vector(0, 0, 1), rev.Activations.Vector(0, 1, 1))

	again, err := g.Extract(ctx, in, activations.Config{Layers: []int{0, 1, 2}})
	require.NoError(t, err)
	require.Equal(t, fwd.Activations.Host, again.Activations.Host)
}

func TestExtractToyInvalidLayer(t *testing.T) {
	t.Parallel()
	s, _ := loadToySubject(t)
	_, err := activations.New(s).Extract(context.Background(), activations.Single("Hello"), activations.Config{Layers: []int{s.NumLayers()}})
	require.ErrorIs(t, err, activations.ErrInvalidLayer)
}
