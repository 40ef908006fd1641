package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/arrowio"
	"github.com/samcharles93/grabber/internal/logger"
)

func extractCmd() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "Run one forward pass and report the input to each requested layer",
		ArgsUsage: "[text...]",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:    "layers",
				Aliases: []string{"l"},
				Usage:   `layers to capture, e.g. "0,2,4-6"; "all" or "none"`,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "activation container (host, native)",
				Value: "host",
			},
			&cli.StringFlag{
				Name:  "file",
				Usage: "read inputs from a file, one per line; - reads stdin",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the full result as JSON",
			},
			&cli.StringFlag{
				Name:  "arrow",
				Usage: "write the result as an Arrow IPC stream to this path",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "print per-layer summary statistics",
			},
			&cli.IntFlag{
				Name:  "sample",
				Usage: "values sampled per layer with --stats",
				Value: 6,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			inputs, err := readInputs(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			layers, err := parseLayers(cmd.String("layers"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			format, err := activations.ParseFormat(cmd.String("format"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyExtractConfig(cmd, appConfig, &layers, &format)

			s, err := loadSubject(ctx, cmd)
			if err != nil {
				return err
			}
			g := activations.New(s)

			start := time.Now()
			res, err := g.Extract(ctx, inputs, activations.Config{Layers: layers, Format: format})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("extraction complete", "duration", time.Since(start).Round(time.Millisecond), "result", res.String())

			if path := cmd.String("arrow"); path != "" {
				if err := writeArrowFile(path, res); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				log.Info("wrote arrow stream", "path", path)
			}

			w := outWriter(cmd)
			if cmd.Bool("json") {
				b, err := json.Marshal(res)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode result: %v", err), 1)
				}
				_, err = fmt.Fprintln(w, string(b))
				return err
			}
			printResult(w, res)
			if cmd.Bool("stats") {
				printStats(w, g.Stats(res, cmd.Int("sample")))
			}
			return nil
		},
	}
}

func readInputs(cmd *cli.Command) ([]string, error) {
	inputs := cmd.Args().Slice()
	path := cmd.String("file")
	if path == "" {
		if len(inputs) == 0 {
			return nil, fmt.Errorf("no input text; pass it as arguments or use --file")
		}
		return inputs, nil
	}

	var r io.Reader
	if path == "-" {
		r = cmd.Root().Reader
		if r == nil {
			r = os.Stdin
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			inputs = append(inputs, line)
		}
	}
	return inputs, sc.Err()
}

func writeArrowFile(path string, res *activations.Result) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if err := arrowio.WriteStream(bw, res); err != nil {
		return err
	}
	return bw.Flush()
}

func printResult(w io.Writer, res *activations.Result) {
	_, _ = fmt.Fprintln(w, res.String())
	_, _ = fmt.Fprintf(w, "layers: %s\n", joinInts(res.Layers))
	for b, toks := range res.Tokens {
		quoted := make([]string, 0, len(toks))
		for t, tok := range toks {
			if res.AttentionMask[b][t] == 0 {
				continue
			}
			quoted = append(quoted, fmt.Sprintf("%q", tok))
		}
		_, _ = fmt.Fprintf(w, "[%d] %s\n", b, strings.Join(quoted, " "))
	}
}

func printStats(w io.Writer, stats []activations.LayerStats) {
	_, _ = fmt.Fprintf(w, "\n%-6s %8s %10s %10s %10s %10s %6s %6s\n", "layer", "count", "min", "max", "mean", "rms", "nan", "inf")
	for _, st := range stats {
		_, _ = fmt.Fprintf(w, "%-6d %8d %10.4f %10.4f %10.4f %10.4f %6d %6d\n",
			st.Layer, st.Count, st.Min, st.Max, st.Mean, st.RMS, st.NaNs, st.Infs)
		if len(st.Sample) > 0 {
			parts := make([]string, len(st.Sample))
			for i, v := range st.Sample {
				parts[i] = fmt.Sprintf("%.4f", v)
			}
			_, _ = fmt.Fprintf(w, "       sample: %s\n", strings.Join(parts, " "))
		}
	}
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, v := range ids {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
