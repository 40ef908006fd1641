package flightsvc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/subject"
	"github.com/samcharles93/grabber/internal/toy"
)

func startServer(t *testing.T) (*activations.Grabber, *Client) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "toy")
	_, err := toy.Write(dir, toy.DefaultOptions())
	require.NoError(t, err)
	s, err := subject.Loader{}.Load(dir)
	require.NoError(t, err)
	g := activations.New(s)

	srv := NewServer(g, 2, nil)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	c, err := Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return g, c
}

func TestDoGetMatchesLocalExtraction(t *testing.T) {
	t.Parallel()
	g, c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := Request{Inputs: []string{"Hello world the cat", "Hello world"}, Layers: []int{2, 0}}
	got, err := c.Extract(ctx, req)
	require.NoError(t, err)

	want, err := g.Extract(ctx, req.Inputs, activations.Config{Layers: req.Layers, Format: activations.FormatNative})
	require.NoError(t, err)

	require.Equal(t, want.Layers, got.Layers)
	require.Equal(t, want.Tokens, got.Tokens)
	require.Equal(t, want.TokenIDs, got.TokenIDs)
	require.Equal(t, want.AttentionMask, got.AttentionMask)
	require.Equal(t, want.Activations.Native.Shape, got.Activations.Native.Shape)
	require.Equal(t, want.Activations.Native.Data, got.Activations.Native.Data)
}

func TestDoGetErrors(t *testing.T) {
	t.Parallel()
	_, c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tests := []struct {
		name string
		req  Request
		msg  string
	}{
		{name: "empty input", req: Request{}, msg: "empty input"},
		{name: "invalid layer", req: Request{Inputs: []string{"Hello"}, Layers: []int{3}}, msg: "layer 3 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Extract(ctx, tt.req)
			require.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestGetSchema(t *testing.T) {
	t.Parallel()
	_, c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema, err := c.Schema(ctx, Request{Layers: []int{1}})
	require.NoError(t, err)
	require.Equal(t, 7, schema.NumFields())
	require.Equal(t, "activation", schema.Field(6).Name)

	_, err = c.Schema(ctx, Request{Layers: []int{9}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
