/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package bench

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/containerd/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/config"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/core"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/metrics"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/utils/signals"
)

const (
	stride = 8
	// Written into the header so a sweep can tell the header survived.
	headerMagic = 0x55464f31
	// Added to every element a write sweep touches.
	writeDelta = 1 << 40
)

type Options struct {
	Elements   uint64
	MinLoad    uint64
	Rounds     int
	ReadOnly   bool
	Write      bool
	MetricsDir string
}

// Start runs the benchmark until it completes or a shutdown signal arrives.
func Start(ctx context.Context, cfg config.Config, opts Options) error {
	stopSignal := signals.SetupSignalHandler()
	ctx, cancel := signals.WithStop(ctx, stopSignal)
	defer cancel()

	c, err := core.New(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create core")
	}
	defer func() {
		if err := c.Shutdown(); err != nil {
			log.G(ctx).WithError(err).Error("failed to shut down core")
		}
	}()

	if opts.MetricsDir != "" {
		server, err := metrics.NewServer(metrics.WithSockPath(opts.MetricsDir))
		if err != nil {
			return errors.Wrap(err, "failed to create metrics server")
		}
		go func() {
			if err := server.Serve(ctx, stopSignal); err != nil {
				log.G(ctx).WithError(err).Error("metrics server exited")
			}
		}()
		log.G(ctx).Infof("metrics served on %s", server.SockPath)
	}

	proto := object.Prototype{
		HeaderSize:   8,
		Stride:       stride,
		MinLoadCount: opts.MinLoad,
		ReadOnly:     opts.ReadOnly,
	}
	o, err := c.Allocate(proto, opts.Elements, populate)
	if err != nil {
		return errors.Wrap(err, "failed to allocate benchmark object")
	}
	defer o.Free()
	binary.NativeEndian.PutUint64(o.Header(), headerMagic)

	for round := 1; round <= opts.Rounds; round++ {
		r := &runner{ctx: ctx, core: c, object: o, round: round}
		if err := r.run(opts.Write); err != nil {
			return err
		}
	}
	return nil
}

func populate(start, end uint64, out []byte) error {
	for i := start; i < end; i++ {
		binary.NativeEndian.PutUint64(out[(i-start)*stride:], expected(i))
	}
	return nil
}

func expected(i uint64) uint64 {
	return i*0x9e3779b97f4a7c15 ^ i
}

type runner struct {
	ctx    context.Context
	core   *core.Core
	object *core.Object
	round  int
}

func (r *runner) run(write bool) error {
	if err := r.phase("sweep", func(i, v uint64) (uint64, bool) {
		return v, v == expected(i)
	}); err != nil {
		return err
	}
	if !write {
		return nil
	}

	if err := r.phase("write", func(i, v uint64) (uint64, bool) {
		return v + writeDelta, v == expected(i)
	}); err != nil {
		return err
	}
	if err := r.phase("verify", func(i, v uint64) (uint64, bool) {
		return v, v == expected(i)+writeDelta
	}); err != nil {
		return err
	}

	start := time.Now()
	if err := r.object.Reset(); err != nil {
		return errors.Wrap(err, "failed to reset benchmark object")
	}
	log.G(r.ctx).WithField("round", r.round).Infof("reset took %s", time.Since(start))

	return r.phase("verify-reset", func(i, v uint64) (uint64, bool) {
		return v, v == expected(i)
	})
}

// phase visits every element in order. visit returns the value to store and
// whether the loaded value was correct.
func (r *runner) phase(name string, visit func(i, v uint64) (uint64, bool)) error {
	body := r.object.Body()
	count := r.object.Config().ElementCount
	perChunk := r.object.Config().ElementsPerLoad

	start := time.Now()
	for i := uint64(0); i < count; i++ {
		if i%perChunk == 0 {
			if err := r.ctx.Err(); err != nil {
				return errors.Wrapf(err, "%s interrupted at element %d", name, i)
			}
		}
		b := body[i*stride:]
		v := binary.NativeEndian.Uint64(b)
		n, ok := visit(i, v)
		if !ok {
			return errors.Errorf("%s: element %d holds %#x", name, i, v)
		}
		if n != v {
			binary.NativeEndian.PutUint64(b, n)
		}
	}
	if magic := binary.NativeEndian.Uint64(r.object.Header()); magic != headerMagic {
		return errors.Errorf("%s: header holds %#x", name, magic)
	}

	elapsed := time.Since(start)
	size := count * stride
	rate := uint64(float64(size) / elapsed.Seconds())
	log.G(r.ctx).WithField("round", r.round).Infof("%s of %s took %s (%s/s), %s resident",
		name, humanize.IBytes(size), elapsed, humanize.IBytes(rate), humanize.IBytes(r.core.UsedMemory()))
	return nil
}
