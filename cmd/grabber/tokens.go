package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/grabber/internal/activations"
)

func tokensCmd() *cli.Command {
	return &cli.Command{
		Name:      "tokens",
		Usage:     "Show the padded token batch for the given texts",
		ArgsUsage: "[text...]",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "read inputs from a file, one per line; - reads stdin",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			inputs, err := readInputs(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			s, err := loadSubject(ctx, cmd)
			if err != nil {
				return err
			}
			batch, err := activations.TokenizeBatch(s, inputs)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := outWriter(cmd)
			_, _ = fmt.Fprintf(w, "batch=%d tokens=%d pad_id=%d\n", batch.Size(), batch.Width(), s.PadTokenID())
			for b, row := range batch.InputIDs {
				_, _ = fmt.Fprintf(w, "\n[%d] length=%d\n", b, batch.Lengths[b])
				for t, id := range row {
					tok, err := s.Decode([]int{id})
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %v", err), 1)
					}
					_, _ = fmt.Fprintf(w, "  %4d %8d %d %q\n", t, id, batch.AttentionMask[b][t], tok)
				}
			}
			return nil
		},
	}
}
