package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tinyformer/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

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
			Usage:       "log format (pretty, json, text)",
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

// setupLogging installs the logger selected by the logging flags in ctx.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := logLevel
	if debug {
		level = "debug"
	}
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return ctx, err
	}
	log, err := logger.NewFormat(os.Stderr, logFormat, lvl)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
