/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package object

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
)

const testPageSize = 4096

func TestNewConfig(t *testing.T) {
	p := Prototype{HeaderSize: 1, Stride: 4, MinLoadCount: 4096}
	cfg, err := p.newConfig(1_000_000, testPageSize)
	require.Nil(t, err)

	assert.Equal(t, uint64(4096), cfg.HeaderSizePadded)
	assert.Equal(t, uint64(4096), cfg.ElementsPerLoad)
	assert.Equal(t, uint64(16384), cfg.LoadSize())
	assert.Equal(t, uint64(4096+4_001_792), cfg.TrueSize)
	assert.Equal(t, uint64(4_001_792), cfg.BodySize())
	assert.Equal(t, uint64(245), cfg.ChunkCount())
	assert.True(t, cfg.ShouldWriteback())
}

func TestLoadSizeIsMultipleOfPageAndMinLoad(t *testing.T) {
	for _, stride := range []uint64{1, 3, 4, 12, 24, 100, 4096, 5000} {
		for _, minLoad := range []uint64{0, 1, 7, 64, 1000, 4096} {
			cfg, err := Prototype{Stride: stride, MinLoadCount: minLoad}.newConfig(10, testPageSize)
			require.Nil(t, err)

			load := cfg.ElementsPerLoad * stride
			effective := minLoad
			if effective == 0 {
				effective = 1
			}
			assert.Zero(t, load%testPageSize, "stride %d min load %d", stride, minLoad)
			assert.Zero(t, load%(stride*effective), "stride %d min load %d", stride, minLoad)
			assert.GreaterOrEqual(t, cfg.ElementsPerLoad, effective)
		}
	}
}

func TestNewConfigRejects(t *testing.T) {
	_, err := Prototype{Stride: 0}.newConfig(1, testPageSize)
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = Prototype{Stride: 4}.newConfig(0, testPageSize)
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = Prototype{Stride: 1 << 40}.newConfig(1<<30, testPageSize)
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = Prototype{Stride: 8, HeaderSize: math.MaxUint64 - 10}.newConfig(1, testPageSize)
	assert.True(t, errdefs.IsInvalidConfig(err))

	_, err = Prototype{Stride: 3, MinLoadCount: math.MaxUint64 / 2}.newConfig(1, testPageSize)
	assert.True(t, errdefs.IsInvalidConfig(err))
}

func TestNoHeader(t *testing.T) {
	cfg, err := Prototype{Stride: 8, MinLoadCount: 1, ReadOnly: true}.newConfig(1000, testPageSize)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), cfg.HeaderSizePadded)
	assert.Equal(t, uint64(8192), cfg.TrueSize)
	assert.False(t, cfg.ShouldWriteback())
}

func TestIDGen(t *testing.T) {
	var g IDGen
	live := map[ID]bool{2: true, 3: true}
	inUse := func(id ID) bool { return live[id] }

	assert.Equal(t, ID(1), g.Next(inUse))
	assert.Equal(t, ID(4), g.Next(inUse))

	g.last = ID(math.MaxUint64)
	assert.Equal(t, ID(1), g.Next(inUse))
	assert.Equal(t, "1", ID(1).String())
}
