package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/grabber/internal/logger"
	"github.com/samcharles93/grabber/internal/toy"
)

func toyCmd() *cli.Command {
	def := toy.DefaultOptions()
	return &cli.Command{
		Name:      "toy",
		Usage:     "Write a small random checkpoint for trying the other commands",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "arch", Usage: "gpt2 or llama", Value: def.Arch},
			&cli.IntFlag{Name: "layers", Usage: "decoder layers", Value: def.Layers},
			&cli.IntFlag{Name: "hidden", Usage: "residual stream width", Value: def.Hidden},
			&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: def.Heads},
			&cli.IntFlag{Name: "kv-heads", Usage: "key/value heads (llama only)"},
			&cli.Int64Flag{Name: "seed", Usage: "weight seed", Value: def.Seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				return cli.Exit("error: output directory is required", 1)
			}
			opts := def
			opts.Arch = cmd.String("arch")
			opts.Layers = cmd.Int("layers")
			opts.Hidden = cmd.Int("hidden")
			opts.Heads = cmd.Int("heads")
			opts.KVHeads = cmd.Int("kv-heads")
			opts.Inner = 4 * opts.Hidden
			opts.Seed = cmd.Int64("seed")

			ck, err := toy.Write(dir, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.FromContext(ctx).Info("wrote toy checkpoint", "dir", ck.Dir, "arch", opts.Arch, "layers", opts.Layers, "tensors", len(ck.Tensors))
			_, _ = fmt.Fprintln(outWriter(cmd), ck.Dir)
			return nil
		},
	}
}
