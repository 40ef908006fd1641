package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/arrowio"
	"github.com/samcharles93/grabber/internal/toy"
	"github.com/urfave/cli/v3"
)

func writeToyModel(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "toy")
	if _, err := toy.Write(dir, toy.DefaultOptions()); err != nil {
		t.Fatalf("write toy model: %v", err)
	}
	return dir
}

// runApp runs the CLI with an empty config file so the user's own config
// never leaks into tests.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfg, nil, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	// Keep cli.Exit errors from calling os.Exit so the test can inspect them.
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	full := append([]string{"grabber", "--config", cfg, "--log-level", "error"}, args...)
	err := app.Run(context.Background(), full)
	return out.String(), err
}

func TestExtractCommand(t *testing.T) {
	dir := writeToyModel(t)

	out, err := runApp(t, "extract", "--model", dir, "--layers", "0,2", "--stats", "Hello world", "Hello")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(out, "ActivationData(batch_size=2, layers=2, tokens=2, shape=(2, 2, 2, 16))") {
		t.Fatalf("missing summary line:\n%s", out)
	}
	if !strings.Contains(out, `[0] "Hello" " world"`) {
		t.Fatalf("missing token listing:\n%s", out)
	}
	if !strings.Contains(out, "layer") || !strings.Contains(out, "sample:") {
		t.Fatalf("missing stats table:\n%s", out)
	}
}

func TestExtractCommandArrowFile(t *testing.T) {
	dir := writeToyModel(t)
	path := filepath.Join(t.TempDir(), "acts.arrow")

	if _, err := runApp(t, "extract", "--model", dir, "--layers", "1-2", "--arrow", path, "Hello world"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open arrow file: %v", err)
	}
	defer func() { _ = f.Close() }()
	res, err := arrowio.ReadStream(f)
	if err != nil {
		t.Fatalf("read arrow file: %v", err)
	}
	if got := res.Activations.Shape(); got[1] != 2 || res.Layers[0] != 1 || res.Layers[1] != 2 {
		t.Fatalf("unexpected result shape=%v layers=%v", got, res.Layers)
	}
}

func TestExtractCommandJSON(t *testing.T) {
	dir := writeToyModel(t)

	out, err := runApp(t, "extract", "--model", dir, "--layers", "none", "--json", "Hello")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(out, `"layers":[]`) || !strings.Contains(out, `"token_ids":[[`) {
		t.Fatalf("unexpected json: %s", out)
	}
}

func TestExtractCommandErrors(t *testing.T) {
	dir := writeToyModel(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no input", args: []string{"extract", "--model", dir}, want: "no input text"},
		{name: "bad layer", args: []string{"extract", "--model", dir, "--layers", "7", "Hello"}, want: "layer 7 out of range"},
		{name: "huge layer range", args: []string{"extract", "--model", dir, "--layers", "0-2000000000", "Hello"}, want: "spans more than"},
		{name: "bad layer list", args: []string{"extract", "--model", dir, "--layers", "1,x", "Hello"}, want: "bad layer"},
		{name: "empty text", args: []string{"extract", "--model", dir, ""}, want: activations.ErrEmptyInput.Error()},
		{name: "missing model", args: []string{"extract", "--model", filepath.Join(dir, "nope"), "Hello"}, want: "load model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runApp(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestTokensCommandFromFile(t *testing.T) {
	dir := writeToyModel(t)
	inputs := filepath.Join(t.TempDir(), "inputs.txt")
	if err := os.WriteFile(inputs, []byte("Hello world\n\nHello\n"), 0o644); err != nil {
		t.Fatalf("write inputs: %v", err)
	}

	out, err := runApp(t, "tokens", "--model", dir, "--file", inputs)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if !strings.Contains(out, "batch=2 tokens=2") {
		t.Fatalf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "[1] length=1") {
		t.Fatalf("second row should have one real token:\n%s", out)
	}
}

func TestInspectCommand(t *testing.T) {
	dir := writeToyModel(t)

	out, err := runApp(t, "inspect", "--model", dir, "--filter", "h.0.attn", "--host")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"num_layers:", "hidden_size:", "Tokenizer Summary", "h.0.attn.c_attn.weight", "cpu_features:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "h.1.attn.c_attn.weight") {
		t.Fatalf("filter should hide other layers:\n%s", out)
	}
}

func TestToyAndVersionCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "llama-toy")
	out, err := runApp(t, "toy", "--arch", "llama", "--layers", "2", "--kv-heads", "1", dir)
	if err != nil {
		t.Fatalf("toy: %v", err)
	}
	if strings.TrimSpace(out) != dir {
		t.Fatalf("toy output: %q", out)
	}
	out, err = runApp(t, "inspect", "--model", dir)
	if err != nil {
		t.Fatalf("inspect llama toy: %v", err)
	}
	if !strings.Contains(out, "num_key_value_heads:") || !strings.Contains(out, "llama") {
		t.Fatalf("unexpected inspect output:\n%s", out)
	}

	out, err = runApp(t, "version")
	if err != nil || !strings.Contains(out, "version:") {
		t.Fatalf("version: %v %q", err, out)
	}
}

func TestParseLayers(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantNil bool
		wantErr bool
		wantLen int
	}{
		{in: "", wantNil: true},
		{in: "all", wantNil: true},
		{in: "none", want: []int{}},
		{in: "3", want: []int{3}},
		{in: "0, 2,4-6", want: []int{0, 2, 4, 5, 6}},
		{in: "5,1,5", want: []int{5, 1, 5}},
		{in: "-1", want: []int{-1}},
		{in: "4-2", wantErr: true},
		{in: "0-4095", wantLen: 4096},
		{in: "0-2000000000", wantErr: true},
		{in: "-9000000000000000000-9000000000000000000", wantErr: true},
		{in: "1,,2", wantErr: true},
		{in: "a", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLayers(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseLayers(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseLayers(%q): %v", tt.in, err)
		}
		if tt.wantLen > 0 {
			if len(got) != tt.wantLen {
				t.Fatalf("parseLayers(%q): got %d layers want %d", tt.in, len(got), tt.wantLen)
			}
			continue
		}
		if tt.wantNil {
			if got != nil {
				t.Fatalf("parseLayers(%q): got %v want nil", tt.in, got)
			}
			continue
		}
		if got == nil || len(got) != len(tt.want) {
			t.Fatalf("parseLayers(%q): got %v want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("parseLayers(%q): got %v want %v", tt.in, got, tt.want)
			}
		}
	}
}
