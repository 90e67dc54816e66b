/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package digest

import (
	"encoding/binary"
	"encoding/hex"
	"runtime"

	godigest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"
)

const (
	Algorithm = godigest.Algorithm("blake3")
	Size      = 32

	// Spans above ParallelThreshold are hashed as independent segments.
	ParallelThreshold = 128 << 10
	segmentSize       = 64 << 10
)

// Digest identifies the content of one chunk.
type Digest [Size]byte

func (d Digest) String() string {
	return godigest.NewDigestFromEncoded(Algorithm, hex.EncodeToString(d[:])).String()
}

// Of digests data. The result only depends on the bytes, so two equal spans
// always produce equal digests regardless of which path computed them.
func Of(data []byte) Digest {
	if len(data) <= ParallelThreshold {
		return blake3.Sum256(data)
	}
	return parallel(data)
}

// parallel hashes segmentSize pieces concurrently and then hashes the
// concatenated segment digests together with the total length.
func parallel(data []byte) Digest {
	segments := (len(data) + segmentSize - 1) / segmentSize
	sums := make([]byte, segments*Size+8)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < segments; i++ {
		g.Go(func() error {
			start := i * segmentSize
			end := start + segmentSize
			if end > len(data) {
				end = len(data)
			}
			sum := blake3.Sum256(data[start:end])
			copy(sums[i*Size:], sum[:])
			return nil
		})
	}
	_ = g.Wait()

	binary.LittleEndian.PutUint64(sums[segments*Size:], uint64(len(data)))
	return blake3.Sum256(sums)
}
