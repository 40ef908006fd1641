package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/grabber/internal/logger"
	"github.com/samcharles93/grabber/internal/subject"
)

const (
	envConfig   = "GRABBER_CONFIG"
	envModelDir = "GRABBER_MODEL"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	// appConfig is loaded in setup before any command runs.
	appConfig Config
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "model",
			Aliases: []string{"m"},
			Usage:   "checkpoint directory holding config.json, tokenizer.json and safetensors weights",
			Sources: cli.EnvVars(envModelDir),
		},
		&cli.StringFlag{
			Name:  "tokenizer-json",
			Usage: "override path to tokenizer.json",
		},
		&cli.StringFlag{
			Name:  "tokenizer-config",
			Usage: "override path to tokenizer_config.json",
		},
		&cli.IntFlag{
			Name:  "pad-token-id",
			Usage: "override the padding token id",
			Value: -1,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setup loads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	appConfig = cfg

	level, format := logLevel, logFormat
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		format = cfg.LogFormat
	}
	if debug {
		level = "debug"
	}
	log := logger.Setup(errWriter(cmd), level, format)
	return logger.WithContext(ctx, log), nil
}

// loadSubject opens the checkpoint named by --model, falling back to the
// config file.
func loadSubject(ctx context.Context, cmd *cli.Command) (*subject.Subject, error) {
	dir := strings.TrimSpace(cmd.String("model"))
	if dir == "" {
		dir = appConfig.ModelDir
	}
	if dir == "" {
		return nil, cli.Exit(fmt.Sprintf("error: --model is required unless %s or model_dir is set", envModelDir), 1)
	}
	loader := subject.Loader{
		TokenizerJSONPath:   cmd.String("tokenizer-json"),
		TokenizerConfigPath: cmd.String("tokenizer-config"),
	}
	if id := cmd.Int("pad-token-id"); id >= 0 {
		loader.PadTokenID = &id
	} else if appConfig.PadTokenID != nil {
		loader.PadTokenID = appConfig.PadTokenID
	}

	log := logger.FromContext(ctx)
	log.Debug("loading model", "path", dir)
	s, err := loader.Load(dir)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	info := s.Info()
	log.Info("model loaded", "name", info.Name, "arch", info.Arch, "layers", info.Layers, "hidden", info.HiddenSize)
	return s, nil
}

// maxLayerRange bounds a single "lo-hi" range, well above any released
// model's depth.
const maxLayerRange = 4096

// parseLayers accepts a comma separated list of indices and inclusive
// ranges such as "0,2,4-6". An empty string or "all" returns nil and
// "none" returns an empty list.
func parseLayers(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "all":
		return nil, nil
	case "none":
		return []int{}, nil
	}
	layers := []int{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty layer in %q", s)
		}
		if i := strings.Index(part[1:], "-"); i >= 0 {
			lo, err := strconv.Atoi(part[:i+1])
			if err != nil {
				return nil, fmt.Errorf("bad layer range %q", part)
			}
			hi, err := strconv.Atoi(part[i+2:])
			if err != nil || hi < lo {
				return nil, fmt.Errorf("bad layer range %q", part)
			}
			if span := hi - lo; span < 0 || span >= maxLayerRange {
				return nil, fmt.Errorf("layer range %q spans more than %d layers", part, maxLayerRange)
			}
			for l := lo; l <= hi; l++ {
				layers = append(layers, l)
			}
			continue
		}
		l, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad layer %q", part)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
