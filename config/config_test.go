/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, uint64(1<<30), cfg.HighWatermark)
	assert.Equal(t, uint64(512<<20), cfg.LowWatermark)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.Nil(t, os.WriteFile(file, nil, 0600))

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{WritebackTempPath: dir, HighWatermark: 2, LowWatermark: 1}, true},
		{"low equals high", Config{WritebackTempPath: dir, HighWatermark: 2, LowWatermark: 2}, false},
		{"low above high", Config{WritebackTempPath: dir, HighWatermark: 2, LowWatermark: 3}, false},
		{"zero high", Config{WritebackTempPath: dir}, false},
		{"missing dir", Config{WritebackTempPath: filepath.Join(dir, "nope"), HighWatermark: 2}, false},
		{"not a dir", Config{WritebackTempPath: file, HighWatermark: 2}, false},
		{"negative idle", Config{WritebackTempPath: dir, HighWatermark: 2, MaxIdleWorkers: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.Nil(t, err)
			} else {
				assert.True(t, errdefs.IsInvalidConfig(err), "%v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ufo.toml")
	require.Nil(t, os.WriteFile(path, []byte(`
writeback_temp_path = "`+dir+`"
high_watermark = "1GiB"
low_watermark = "536870912"
max_idle_workers = 2
`), 0600))

	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, dir, cfg.WritebackTempPath)
	assert.Equal(t, uint64(1<<30), cfg.HighWatermark)
	assert.Equal(t, uint64(512<<20), cfg.LowWatermark)
	assert.Equal(t, 2, cfg.MaxIdleWorkers)
	assert.Nil(t, cfg.Validate())
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ufo.toml")
	require.Nil(t, os.WriteFile(path, []byte(`low_watermark = "256MiB"`), 0600))

	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, uint64(DefaultHighWatermark), cfg.HighWatermark)
	assert.Equal(t, uint64(256<<20), cfg.LowWatermark)
	assert.Equal(t, DefaultMaxIdleWorkers, cfg.MaxIdleWorkers)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.NotNil(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.Nil(t, os.WriteFile(bad, []byte(`high_watermark = "lots"`), 0600))
	_, err = Load(bad)
	assert.True(t, errdefs.IsInvalidConfig(err))

	broken := filepath.Join(dir, "broken.toml")
	require.Nil(t, os.WriteFile(broken, []byte(`high_watermark = `), 0600))
	_, err = Load(broken)
	assert.True(t, errdefs.IsInvalidConfig(err))
}
