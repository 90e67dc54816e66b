/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
)

const (
	DefaultHighWatermark  = 1 << 30
	DefaultLowWatermark   = 512 << 20
	DefaultMaxIdleWorkers = 4
)

type Config struct {
	// Directory holding the unlinked writeback files.
	WritebackTempPath string
	// Resident bytes above which loads trigger eviction.
	HighWatermark uint64
	// Resident bytes eviction brings memory back down to.
	LowWatermark   uint64
	MaxIdleWorkers int
}

// fileConfig is the TOML form. Sizes accept humanized values like "512MiB".
type fileConfig struct {
	WritebackTempPath string `toml:"writeback_temp_path"`
	HighWatermark     string `toml:"high_watermark"`
	LowWatermark      string `toml:"low_watermark"`
	MaxIdleWorkers    int    `toml:"max_idle_workers"`
}

func Default() Config {
	return Config{
		WritebackTempPath: os.TempDir(),
		HighWatermark:     DefaultHighWatermark,
		LowWatermark:      DefaultLowWatermark,
		MaxIdleWorkers:    DefaultMaxIdleWorkers,
	}
}

// ParseSize accepts plain byte counts and humanized sizes.
func ParseSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(errdefs.ErrInvalidConfig, "size %q: %v", s, err)
	}
	return n, nil
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %q", path)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return cfg, errors.Wrapf(errdefs.ErrInvalidConfig, "failed to parse config file %q: %v", path, err)
	}

	if fc.WritebackTempPath != "" {
		cfg.WritebackTempPath = fc.WritebackTempPath
	}
	if fc.HighWatermark != "" {
		if cfg.HighWatermark, err = ParseSize(fc.HighWatermark); err != nil {
			return cfg, err
		}
	}
	if fc.LowWatermark != "" {
		if cfg.LowWatermark, err = ParseSize(fc.LowWatermark); err != nil {
			return cfg, err
		}
	}
	if fc.MaxIdleWorkers != 0 {
		cfg.MaxIdleWorkers = fc.MaxIdleWorkers
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HighWatermark == 0 {
		return errors.Wrap(errdefs.ErrInvalidConfig, "high watermark must be positive")
	}
	if c.LowWatermark >= c.HighWatermark {
		return errors.Wrapf(errdefs.ErrInvalidConfig, "low watermark %s must be below high watermark %s",
			humanize.IBytes(c.LowWatermark), humanize.IBytes(c.HighWatermark))
	}
	if c.MaxIdleWorkers < 0 {
		return errors.Wrap(errdefs.ErrInvalidConfig, "max idle workers must not be negative")
	}
	fi, err := os.Stat(c.WritebackTempPath)
	if err != nil {
		return errors.Wrapf(errdefs.ErrInvalidConfig, "writeback temp path %q: %v", c.WritebackTempPath, err)
	}
	if !fi.IsDir() {
		return errors.Wrapf(errdefs.ErrInvalidConfig, "writeback temp path %q is not a directory", c.WritebackTempPath)
	}
	return nil
}
