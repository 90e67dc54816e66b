/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package object

import "strconv"

// ID identifies an object within one core. Zero is never a live id.
type ID uint64

const Sentinel ID = 0

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IDGen hands out ids from a monotonic counter, skipping the sentinel and
// ids still in use.
type IDGen struct {
	last ID
}

// Next returns the next id for which inUse reports false.
func (g *IDGen) Next(inUse func(ID) bool) ID {
	for {
		g.last++
		if g.last != Sentinel && !inUse(g.last) {
			return g.last
		}
	}
}
