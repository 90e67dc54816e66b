/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package command

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/config"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
)

const (
	defaultLogLevel  = logrus.InfoLevel
	defaultLogFormat = "text"
	defaultElements  = 64 << 20
	defaultMinLoad   = 4096
	defaultRounds    = 1
)

type Args struct {
	ConfigPath    string
	LogLevel      string
	LogFormat     string
	WritebackDir  string
	HighWatermark string
	LowWatermark  string
	Elements      uint64
	MinLoad       uint64
	Rounds        int
	ReadOnly      bool
	Write         bool
	MetricsDir    string
}

type Flags struct {
	Args *Args
	F    []cli.Flag
}

func buildFlags(args *Args) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config-path",
			Usage:       "path to the configuration file",
			Destination: &args.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Value:       defaultLogLevel.String(),
			Usage:       "set the logging level [trace, debug, info, warn, error, fatal, panic]",
			Destination: &args.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Value:       defaultLogFormat,
			Usage:       "set the log format [text, json]",
			Destination: &args.LogFormat,
		},
		&cli.StringFlag{
			Name:        "writeback-dir",
			Usage:       "directory for writeback files, overrides the configuration file",
			Destination: &args.WritebackDir,
		},
		&cli.StringFlag{
			Name:        "high-watermark",
			Usage:       "resident size that triggers eviction, e.g. 1GiB",
			Destination: &args.HighWatermark,
		},
		&cli.StringFlag{
			Name:        "low-watermark",
			Usage:       "resident size eviction brings memory down to, e.g. 512MiB",
			Destination: &args.LowWatermark,
		},
		&cli.Uint64Flag{
			Name:        "elements",
			Value:       defaultElements,
			Usage:       "number of 8 byte elements in the benchmark object",
			Destination: &args.Elements,
		},
		&cli.Uint64Flag{
			Name:        "min-load",
			Value:       defaultMinLoad,
			Usage:       "minimum number of elements populated per fault",
			Destination: &args.MinLoad,
		},
		&cli.IntFlag{
			Name:        "rounds",
			Value:       defaultRounds,
			Usage:       "number of times to run the benchmark",
			Destination: &args.Rounds,
		},
		&cli.BoolFlag{
			Name:        "read-only",
			Value:       false,
			Usage:       "discard evicted chunks instead of writing them back",
			Destination: &args.ReadOnly,
		},
		&cli.BoolFlag{
			Name:        "write",
			Value:       false,
			Usage:       "modify the object and check the changes survive eviction",
			Destination: &args.Write,
		},
		&cli.StringFlag{
			Name:        "metrics-dir",
			Usage:       "serve prometheus metrics on a unix socket in this directory",
			Destination: &args.MetricsDir,
		},
	}
}

func NewFlags() *Flags {
	var args Args
	return &Flags{
		Args: &args,
		F:    buildFlags(&args),
	}
}

// Validate builds the core configuration from the configuration file and
// the flags overriding it.
func Validate(args *Args, cfg *config.Config) error {
	c := config.Default()
	if args.ConfigPath != "" {
		var err error
		if c, err = config.Load(args.ConfigPath); err != nil {
			return errors.Wrapf(err, "failed to load config file %q", args.ConfigPath)
		}
	}

	if args.WritebackDir != "" {
		c.WritebackTempPath = args.WritebackDir
	}
	if args.HighWatermark != "" {
		n, err := config.ParseSize(args.HighWatermark)
		if err != nil {
			return err
		}
		c.HighWatermark = n
	}
	if args.LowWatermark != "" {
		n, err := config.ParseSize(args.LowWatermark)
		if err != nil {
			return err
		}
		c.LowWatermark = n
	}

	if args.Elements == 0 {
		return errors.Wrap(errdefs.ErrInvalidConfig, "elements must be positive")
	}
	if args.Rounds <= 0 {
		return errors.Wrap(errdefs.ErrInvalidConfig, "rounds must be positive")
	}
	if args.ReadOnly && args.Write {
		return errors.Wrap(errdefs.ErrInvalidConfig, "a read-only object cannot keep writes")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	*cfg = c
	return nil
}
