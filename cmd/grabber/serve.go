package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/api"
	"github.com/samcharles93/grabber/internal/flightsvc"
	"github.com/samcharles93/grabber/internal/logger"
	"github.com/samcharles93/grabber/internal/metrics"
)

type serveSettings struct {
	addr          string
	flightAddr    string
	readTimeout   time.Duration
	maxConcurrent int
	rateLimit     float64
	rateBurst     int
	defaultLayers []int
	format        activations.OutputFormat
}

func serveCmd() *cli.Command {
	var s serveSettings

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve activation extraction over HTTP and, optionally, Arrow Flight",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "HTTP listen address",
				Value:       "127.0.0.1:8080",
				Destination: &s.addr,
			},
			&cli.StringFlag{
				Name:        "flight-addr",
				Usage:       "Arrow Flight listen address; empty disables Flight",
				Destination: &s.flightAddr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &s.readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-concurrent",
				Usage:       "forward passes allowed in flight at once",
				Value:       1,
				Destination: &s.maxConcurrent,
			},
			&cli.FloatFlag{
				Name:        "rate-limit",
				Usage:       "extraction requests per second; 0 disables limiting",
				Destination: &s.rateLimit,
			},
			&cli.IntFlag{
				Name:        "rate-burst",
				Usage:       "rate limiter burst size",
				Value:       4,
				Destination: &s.rateBurst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, appConfig, &s)

			subj, err := loadSubject(ctx, cmd)
			if err != nil {
				return err
			}
			metrics.RecordSubjectsLoaded(1)
			defer metrics.RecordSubjectsLoaded(0)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			if s.flightAddr != "" {
				fs := flightsvc.NewServer(activations.New(subj), s.maxConcurrent, log)
				if err := fs.Listen(s.flightAddr); err != nil {
					return cli.Exit(err.Error(), 1)
				}
				g.Go(fs.Serve)
				g.Go(func() error {
					<-ctx.Done()
					fs.Shutdown()
					return nil
				})
			}

			server := api.NewServer(subj, api.Options{
				DefaultLayers: s.defaultLayers,
				DefaultFormat: s.format,
				MaxConcurrent: s.maxConcurrent,
				RateLimit:     s.rateLimit,
				RateBurst:     s.rateBurst,
				Logger:        log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", s.addr, "flight", s.flightAddr)
			sc := echo.StartConfig{
				Address: s.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = s.readTimeout
					return nil
				},
			}
			g.Go(func() error { return sc.Start(ctx, e) })
			return g.Wait()
		},
	}
}
