/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package object

import (
	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/utils/align"
)

// Offset locates a byte of an object body.
type Offset struct {
	Absolute   uint64
	FromHeader uint64
	Chunk      uint64
	stride     uint64
}

// OffsetOf translates an offset from the start of the mapping.
func (c *Config) OffsetOf(absolute uint64) (Offset, error) {
	if absolute < c.HeaderSizePadded {
		return Offset{}, errors.Wrapf(errdefs.ErrHeaderFault, "offset %d, header ends at %d", absolute, c.HeaderSizePadded)
	}
	if absolute >= c.TrueSize {
		return Offset{}, errors.Wrapf(errdefs.ErrNotFound, "offset %d beyond object of %d bytes", absolute, c.TrueSize)
	}
	fromHeader := absolute - c.HeaderSizePadded
	return Offset{
		Absolute:   absolute,
		FromHeader: fromHeader,
		Chunk:      fromHeader / c.LoadSize(),
		stride:     c.Stride,
	}, nil
}

// ChunkOffset returns the offset of the first byte of chunk.
func (c *Config) ChunkOffset(chunk uint64) Offset {
	fromHeader := chunk * c.LoadSize()
	return Offset{
		Absolute:   c.HeaderSizePadded + fromHeader,
		FromHeader: fromHeader,
		Chunk:      chunk,
		stride:     c.Stride,
	}
}

// Index is the element the offset falls into.
func (o Offset) Index() uint64 {
	return o.FromHeader / o.stride
}

// LoadWindow is the span of one chunk load.
type LoadWindow struct {
	// Offset of the first byte of the chunk.
	Offset Offset
	// Elements [Start, End) are produced by the load.
	Start uint64
	End   uint64
	// Size is the number of bytes handed to the kernel. It is page aligned
	// and only shorter than a full chunk at the tail of the object.
	Size uint64
}

// FillSize is the number of bytes the populate callback produces.
func (w LoadWindow) FillSize(stride uint64) uint64 {
	return (w.End - w.Start) * stride
}

// LoadWindow computes the chunk aligned window containing off.
func (c *Config) LoadWindow(off Offset) LoadWindow {
	loadSize := c.LoadSize()
	chunkStart := align.Down(off.FromHeader, loadSize)
	start := chunkStart / c.Stride
	end := start + c.ElementsPerLoad
	if end > c.ElementCount {
		end = c.ElementCount
	}
	size := loadSize
	if rest := c.BodySize() - chunkStart; rest < size {
		size = rest
	}
	return LoadWindow{
		Offset: c.ChunkOffset(off.Chunk),
		Start:  start,
		End:    end,
		Size:   size,
	}
}
