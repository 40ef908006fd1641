package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/grabber/internal/safetensors"
	"github.com/samcharles93/grabber/internal/subject"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe a checkpoint and the host it would run on",
		Flags: append(commonModelFlags(),
			&cli.BoolFlag{Name: "tensors", Usage: "list every tensor with its dtype and shape"},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this"},
			&cli.BoolFlag{Name: "host", Usage: "show host CPU features"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := outWriter(cmd)
			s, err := loadSubject(ctx, cmd)
			if err != nil {
				return err
			}
			printParameters(w, s.Info())
			printTokenizerSummary(w, s)

			if cmd.Bool("tensors") || cmd.String("filter") != "" {
				dir := cmd.String("model")
				if dir == "" {
					dir = appConfig.ModelDir
				}
				if err := printTensors(w, dir, cmd.String("filter")); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			if cmd.Bool("host") {
				printHost(w)
			}
			return nil
		},
	}
}

func printParameters(w io.Writer, info subject.Info) {
	section(w, "Parameters")
	row(w, "name", info.Name)
	row(w, "arch", info.Arch)
	rowInt(w, "num_layers", info.Layers)
	rowInt(w, "hidden_size", info.HiddenSize)
	rowInt(w, "intermediate_size", info.Intermediate)
	rowInt(w, "num_attention_heads", info.Heads)
	rowInt(w, "num_key_value_heads", info.KVHeads)
	rowInt(w, "vocab_size", info.VocabSize)
	rowInt(w, "max_position", info.MaxPosition)
	row(w, "capture_points", fmt.Sprintf("%d (layer inputs 0..%d)", info.Layers, info.Layers-1))
}

func printTokenizerSummary(w io.Writer, s *subject.Subject) {
	tok := s.Tokenizer()
	cfg := tok.Config()
	section(w, "Tokenizer Summary")
	row(w, "tokenizer_type", cfg.Model)
	rowInt(w, "vocab_size", cfg.VocabSize)
	row(w, "add_bos", fmt.Sprintf("%v", tok.AddBOS()))
	row(w, "add_eos", fmt.Sprintf("%v", tok.AddEOS()))
	row(w, "bos", formatTokenInfo(tok.TokenString(cfg.BOSTokenID), cfg.BOSTokenID))
	row(w, "eos", formatTokenInfo(tok.TokenString(cfg.EOSTokenID), cfg.EOSTokenID))
	row(w, "unk", formatTokenInfo(tok.TokenString(cfg.UNKTokenID), cfg.UNKTokenID))
	row(w, "pad", formatTokenInfo(tok.TokenString(s.PadTokenID()), s.PadTokenID()))
}

func printTensors(w io.Writer, dir, filter string) error {
	set, err := safetensors.OpenDir(filepath.Clean(dir))
	if err != nil {
		return err
	}
	defer func() { _ = set.Close() }()

	section(w, "Tensors")
	var total int64
	shown := 0
	for _, name := range set.Names() {
		info, _ := set.Info(name)
		total += info.End - info.Start
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		shown++
		_, _ = fmt.Fprintf(w, "%-48s %-5s %s\n", name, info.DType, formatShape(info.Shape))
	}
	row(w, "listed", fmt.Sprintf("%d of %d", shown, set.Len()))
	row(w, "payload", formatBytes(uint64(total)))
	return nil
}

func printHost(w io.Writer) {
	section(w, "Host")
	row(w, "os/arch", runtime.GOOS+"/"+runtime.GOARCH)
	rowInt(w, "cpus", runtime.NumCPU())
	rowInt(w, "gomaxprocs", runtime.GOMAXPROCS(0))
	var feats []string
	switch runtime.GOARCH {
	case "amd64":
		for _, f := range []struct {
			name string
			ok   bool
		}{
			{"sse4.2", cpu.X86.HasSSE42},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		} {
			if f.ok {
				feats = append(feats, f.name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			feats = append(feats, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			feats = append(feats, "fphp")
		}
		if cpu.ARM64.HasSVE {
			feats = append(feats, "sve")
		}
	}
	if len(feats) == 0 {
		feats = []string{"none detected"}
	}
	row(w, "cpu_features", strings.Join(feats, " "))
}

func section(w io.Writer, title string) {
	line := strings.Repeat("-", len(title)+8)
	_, _ = fmt.Fprintf(w, "\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "%-24s %s\n", label+":", value)
}

func rowInt(w io.Writer, label string, v int) {
	if v == 0 {
		return
	}
	row(w, label, fmt.Sprintf("%d", v))
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatTokenInfo(tok string, id int) string {
	if tok == "" && id < 0 {
		return "-"
	}
	if tok == "" {
		return fmt.Sprintf("id=%d", id)
	}
	if id < 0 {
		return fmt.Sprintf("%q", tok)
	}
	return fmt.Sprintf("%q (id=%d)", tok, id)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
