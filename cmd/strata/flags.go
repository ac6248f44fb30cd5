package main

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/config"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/loader"
	"github.com/samcharles93/strata/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	modelPath  string
	deviceName string
	workers    int64
	budgetMB   int64

	cfg = config.Default()
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       config.Path(),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       logger.FormatPretty,
			Destination: &logFormat,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "tensor file or directory of shards",
			Required:    true,
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "target device (cpu, gpu)",
			Value:       "cpu",
			Destination: &deviceName,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "parallel tensor decoders (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "budget-mb",
			Usage:       "pool memory budget in MiB (0 = unlimited)",
			Destination: &budgetMB,
		},
	}
}

// setup reads the config file, applies it under explicitly set flags and
// installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return ctx, err
	}
	cfg = loaded
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, err
	}
	format := logFormat
	if format == logger.FormatPretty && !isatty.IsTerminal(os.Stderr.Fd()) {
		format = logger.FormatText
	}
	log, err := logger.NewFormat(format, os.Stderr, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// applyModelConfig fills model flags from the config file when they were
// not set on the command line.
func applyModelConfig(cmd *cli.Command) {
	if cfg.Device != "" && !cmd.IsSet("device") {
		deviceName = cfg.Device
	}
	if cfg.LoadWorkers != 0 && !cmd.IsSet("workers") {
		workers = int64(cfg.LoadWorkers)
	}
	if cfg.MemoryBudgetMB != 0 && !cmd.IsSet("budget-mb") {
		budgetMB = cfg.MemoryBudgetMB
	}
}

func loadModel(ctx context.Context, cmd *cli.Command) (*loader.Model, error) {
	applyModelConfig(cmd)
	dev, err := device.ParseDevice(deviceName)
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx, modelPath, loader.Options{
		Device:  dev,
		Workers: int(workers),
		Budget:  budgetMB << 20,
		Logger:  logger.FromContext(ctx),
	})
}
