/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package object

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/mmap"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/utils/align"
)

// PopulateFunc fills out with elements [start, end). out holds exactly
// (end-start)*stride bytes. The function must not touch the memory of the
// object being populated.
type PopulateFunc func(start, end uint64, out []byte) error

// Prototype describes a family of objects that differ only in element count.
type Prototype struct {
	HeaderSize   uint64
	Stride       uint64
	MinLoadCount uint64
	ReadOnly     bool
}

// Config is the immutable layout of one object.
type Config struct {
	HeaderSize       uint64
	HeaderSizePadded uint64
	Stride           uint64
	ElementsPerLoad  uint64
	ElementCount     uint64
	TrueSize         uint64
	ReadOnly         bool

	pageSize uint64
}

// NewConfig derives the layout of an object with count elements.
func (p Prototype) NewConfig(count uint64) (*Config, error) {
	return p.newConfig(count, mmap.PageSize())
}

func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func add(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func (p Prototype) newConfig(count, pageSize uint64) (*Config, error) {
	switch {
	case p.Stride == 0:
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "stride must be positive")
	case count == 0:
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "element count must be positive")
	}

	minLoad := p.MinLoadCount
	if minLoad == 0 {
		minLoad = 1
	}
	minLoadBytes, ok := mul(p.Stride, minLoad)
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "minimum load of %d elements overflows", minLoad)
	}
	loadBytes := align.LCM(pageSize, minLoadBytes)
	if loadBytes/pageSize != minLoadBytes/align.GCD(pageSize, minLoadBytes) {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "load size overflows")
	}

	bodyBytes, ok := mul(p.Stride, count)
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "%d elements of %d bytes overflow", count, p.Stride)
	}
	headerPadded, ok1 := add(p.HeaderSize, pageSize-1)
	bodyPadded, ok2 := add(bodyBytes, pageSize-1)
	if !ok1 || !ok2 {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "object size overflows")
	}
	headerPadded = align.Down(headerPadded, pageSize)
	bodyPadded = align.Down(bodyPadded, pageSize)
	trueSize, ok := add(headerPadded, bodyPadded)
	if !ok {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "object size overflows")
	}

	return &Config{
		HeaderSize:       p.HeaderSize,
		HeaderSizePadded: headerPadded,
		Stride:           p.Stride,
		ElementsPerLoad:  loadBytes / p.Stride,
		ElementCount:     count,
		TrueSize:         trueSize,
		ReadOnly:         p.ReadOnly,
		pageSize:         pageSize,
	}, nil
}

// LoadSize is the number of bytes in one chunk.
func (c *Config) LoadSize() uint64 {
	return c.ElementsPerLoad * c.Stride
}

// BodySize is the page padded size of the element region.
func (c *Config) BodySize() uint64 {
	return c.TrueSize - c.HeaderSizePadded
}

func (c *Config) ChunkCount() uint64 {
	return align.DivCeil(c.ElementCount, c.ElementsPerLoad)
}

func (c *Config) PageSize() uint64 {
	return c.pageSize
}

// ShouldWriteback reports whether evicted chunks must be saved.
func (c *Config) ShouldWriteback() bool {
	return !c.ReadOnly
}
