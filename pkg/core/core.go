/*
 * Copyright (c) 2024. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package core ties fault delivery, the worker pool, the writeback stores
// and the eviction engine together.
//
// Lock order: an object's lock before the state lock before chunk locks.
// Eviction runs with only the state lock and chunk locks held and never
// waits on an object lock.
package core

import (
	"encoding/base64"
	"runtime"
	"sync"
	"weak"

	"github.com/containerd/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/config"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/errdefs"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/metrics"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/object"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/uffd"
	"github.com/dragonflyoss/nydus/contrib/nydus-ufo/pkg/workers"
)

// minProcs is the GOMAXPROCS floor. A goroutine blocked on an unresolved
// fault keeps its P, so a fault worker needs another one to run on.
const minProcs = 2

type Core struct {
	id     string
	config config.Config
	log    *logrus.Entry

	uffd *uffd.Handle
	pool *workers.Pool

	requests     chan *request
	done         chan struct{}
	shutdownOnce sync.Once

	state *state
}

func newID() string {
	id := uuid.New()
	b := [16]byte(id)
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// New validates cfg, opens fault delivery and starts the control loop and
// the first fault worker.
func New(cfg config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if procs := runtime.GOMAXPROCS(0); procs < minProcs {
		runtime.GOMAXPROCS(minProcs)
		log.L.Warnf("raised GOMAXPROCS from %d to %d for fault handling", procs, minProcs)
	}

	h, err := uffd.New()
	if err != nil {
		return nil, err
	}

	id := newID()
	c := &Core{
		id:       id,
		config:   cfg,
		log:      log.L.WithField("core", id),
		uffd:     h,
		requests: make(chan *request),
		done:     make(chan struct{}),
		state:    newState(id, cfg.LowWatermark, cfg.HighWatermark),
	}
	c.pool = workers.New("fault-"+id, c.populateLoop,
		workers.WithMaxIdle(cfg.MaxIdleWorkers),
		workers.WithObserver(func(live int) {
			metrics.FaultWorkers.WithLabelValues(id).Set(float64(live))
		}))

	c.pool.Start()
	go c.controlLoop()

	c.log.Infof("core started, watermarks %s/%s, writeback in %q",
		humanize.IBytes(cfg.LowWatermark), humanize.IBytes(cfg.HighWatermark), cfg.WritebackTempPath)
	return c, nil
}

func (c *Core) ID() string {
	return c.id
}

func (c *Core) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Allocate creates an object of count elements laid out after proto, whose
// content is produced by populate.
func (c *Core) Allocate(proto object.Prototype, count uint64, populate object.PopulateFunc) (*Object, error) {
	if populate == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidConfig, "populate function is required")
	}
	cfg, err := proto.NewConfig(count)
	if err != nil {
		return nil, err
	}
	if cfg.LoadSize()+c.config.LowWatermark >= c.config.HighWatermark {
		return nil, errors.Wrapf(errdefs.ErrInvalidConfig, "chunks of %s do not fit between the watermarks",
			humanize.IBytes(cfg.LoadSize()))
	}
	return c.send(&request{kind: allocateRequest, config: cfg, populate: populate})
}

func (c *Core) GetByID(id object.ID) (*Object, error) {
	if c.closed() {
		return nil, errdefs.ErrCoreShutdown
	}
	c.state.Lock()
	defer c.state.Unlock()
	if o, ok := c.state.get(id); ok {
		return o, nil
	}
	return nil, errors.Wrapf(errdefs.ErrNotFound, "object %s", id)
}

// GetByAddress returns the object whose mapping contains addr.
func (c *Core) GetByAddress(addr uintptr) (*Object, error) {
	if c.closed() {
		return nil, errdefs.ErrCoreShutdown
	}
	c.state.Lock()
	defer c.state.Unlock()
	if o, ok := c.state.lookup(addr); ok {
		return o, nil
	}
	return nil, errors.Wrapf(errdefs.ErrNotFound, "address %#x", addr)
}

// Objects lists the live objects.
func (c *Core) Objects() []*Object {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.list()
}

// UsedMemory is the number of object bytes currently resident.
func (c *Core) UsedMemory() uint64 {
	c.state.Lock()
	defer c.state.Unlock()
	return c.state.chunks.UsedMemory()
}

// Shutdown frees every object and waits for all workers to exit. Later
// calls return immediately.
func (c *Core) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		_, err = c.send(&request{kind: shutdownRequest})
		if e := c.uffd.Close(); e != nil && err == nil {
			err = e
		}
		c.log.Info("core shut down")
	})
	return err
}

func (c *Core) newObject(id object.ID, cfg *object.Config, populate object.PopulateFunc) *Object {
	o := &Object{
		id:       id,
		config:   cfg,
		populate: populate,
		core:     weak.Make(c),
	}
	o.self = weak.Make(o)
	return o
}
