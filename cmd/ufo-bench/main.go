/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"context"
	"os"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/cmd/ufo-bench/app/bench"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/cmd/ufo-bench/pkg/command"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/cmd/ufo-bench/pkg/logging"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/config"
)

var Version = "development"

func main() {
	flags := command.NewFlags()
	app := &cli.App{
		Name:    "ufo-bench",
		Usage:   "sweep a lazily populated object under memory pressure",
		Version: Version,
		Flags:   flags.F,
		Action: func(c *cli.Context) error {
			ctx := logging.WithContext()
			if err := logging.SetUp(flags.Args.LogLevel, flags.Args.LogFormat); err != nil {
				return errors.Wrap(err, "failed to prepare logger")
			}

			var cfg config.Config
			if err := command.Validate(flags.Args, &cfg); err != nil {
				return errors.Wrap(err, "invalid argument")
			}
			return bench.Start(ctx, cfg, bench.Options{
				Elements:   flags.Args.Elements,
				MinLoad:    flags.Args.MinLoad,
				Rounds:     flags.Args.Rounds,
				ReadOnly:   flags.Args.ReadOnly,
				Write:      flags.Args.Write,
				MetricsDir: flags.Args.MetricsDir,
			})
		},
	}
	if err := app.Run(os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			log.L.Info("benchmark interrupted")
			return
		}
		log.L.WithError(err).Fatal("benchmark failed")
	}
}
